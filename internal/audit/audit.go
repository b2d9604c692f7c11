// Package audit implements a best-effort, non-blocking record of
// completed leases into Postgres for historical reporting. It is purely
// additive — the ledger remains the authoritative in-memory state, and
// nothing here can fail or slow down a RELEASE request.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/ledger"
	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS completed_leases (
	id           BIGSERIAL PRIMARY KEY,
	target_ip    BIGINT NOT NULL,
	start_ms     BIGINT NOT NULL,
	end_ms       BIGINT NOT NULL,
	worker_host  BIGINT NOT NULL,
	proxy_ip     BIGINT NOT NULL,
	proxy_port   INTEGER NOT NULL,
	lease_id     BIGINT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertSQL = `
INSERT INTO completed_leases (target_ip, start_ms, end_ms, worker_host, proxy_ip, proxy_port, lease_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const queueCapacity = 1024

// Trail asynchronously writes completed leases to Postgres. Record never
// blocks the caller: a full queue just drops the record, since the audit
// trail is a reporting convenience and not the system of record.
type Trail struct {
	pool  *pgxpool.Pool
	queue chan *ledger.LoadBucket
	done  chan struct{}
}

// New connects to dsn, ensures the table exists, and starts the
// background writer.
func New(ctx context.Context, dsn string) (*Trail, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	t := &Trail{
		pool:  pool,
		queue: make(chan *ledger.LoadBucket, queueCapacity),
		done:  make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// Record enqueues a completed lease for asynchronous persistence.
// lb must not be mutated by the caller after this call.
func (t *Trail) Record(lb *ledger.LoadBucket) {
	select {
	case t.queue <- lb:
	default:
		logger.Warn("audit trail queue full, dropping record")
	}
}

// Close stops accepting new records and waits for the queue to drain.
func (t *Trail) Close() {
	close(t.queue)
	<-t.done
	t.pool.Close()
}

func (t *Trail) run() {
	defer close(t.done)
	for lb := range t.queue {
		t.write(lb)
	}
}

func (t *Trail) write(lb *ledger.LoadBucket) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := t.pool.Exec(ctx, insertSQL,
		lb.TargetIP, lb.StartMs, lb.EndMs, lb.WorkerHostID, lb.ProxyIP, lb.ProxyPort, lb.LeaseID)
	if err != nil {
		logger.Warn("audit trail insert failed", zap.Error(err))
	}
}
