// Package ledger implements a multimap from target IP to outstanding and
// recently completed download leases.
package ledger

import (
	"sync"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

// GCWindowMs is how long a completed lease is retained before eviction —
// 10 minutes.
const GCWindowMs int64 = 10 * 60 * 1000

// LoadBucket is one download lease, retained until GCWindowMs after
// completion.
type LoadBucket struct {
	TargetIP     uint32
	StartMs      int64
	EndMs        int64 // 0 == still outstanding
	WorkerHostID uint32
	ProxyIP      uint32
	ProxyPort    uint16
	LeaseID      uint32
}

// Ledger is the process-singleton lease table, keyed by target IP with
// duplicate entries permitted per key.
type Ledger struct {
	mu       sync.Mutex
	byTarget map[uint32][]*LoadBucket
	nextID   uint32
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{byTarget: make(map[uint32][]*LoadBucket)}
}

// NextLeaseID returns the next monotonically increasing lease id.
func (l *Ledger) NextLeaseID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	return id
}

// AddLease records a newly granted lease.
func (l *Ledger) AddLease(lb *LoadBucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byTarget[lb.TargetIP] = append(l.byTarget[lb.TargetIP], lb)
}

// ForEachLeaseByTarget visits every lease (outstanding or completed) for a
// target IP. The visitor must not mutate the ledger's shape (add/remove
// leases); it may read or update fields of the lease it's given.
func (l *Ledger) ForEachLeaseByTarget(targetIP uint32, visitor func(*LoadBucket)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lb := range l.byTarget[targetIP] {
		visitor(lb)
	}
}

// Complete stamps the matching active lease's end time and returns a copy
// of it. It is idempotent: if no active lease matches (already completed,
// or never existed), it does nothing and returns (LoadBucket{}, false).
func (l *Ledger) Complete(targetIP, proxyIP uint32, proxyPort uint16, leaseID uint32, nowMs int64) (LoadBucket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, lb := range l.byTarget[targetIP] {
		if lb.EndMs != 0 {
			continue
		}
		if lb.LeaseID != leaseID || lb.ProxyIP != proxyIP || lb.ProxyPort != proxyPort {
			continue
		}
		lb.EndMs = nowMs
		return *lb, true
	}
	return LoadBucket{}, false
}

// CompleteAllForHost closes every outstanding lease held by a worker host,
// for use by an optional membership-change hook when a peer is observed
// dead.
func (l *Ledger) CompleteAllForHost(hostID uint32, nowMs int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	closed := 0
	for _, leases := range l.byTarget {
		for _, lb := range leases {
			if lb.EndMs == 0 && lb.WorkerHostID == hostID {
				lb.EndMs = nowMs
				closed++
			}
		}
	}
	return closed
}

// GC removes every lease whose EndMs is nonzero and at least GCWindowMs in
// the past. It filters each target's slice in place while ranging the map,
// and deletes a target's key once its slice is empty; Go permits deleting
// or reassigning the current key during a range.
func (l *Ledger) GC(nowMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for targetIP, leases := range l.byTarget {
		kept := leases[:0]
		for _, lb := range leases {
			if lb.EndMs != 0 && nowMs-lb.EndMs >= GCWindowMs {
				evicted++
				continue
			}
			kept = append(kept, lb)
		}
		if len(kept) == 0 {
			delete(l.byTarget, targetIP)
		} else {
			l.byTarget[targetIP] = kept
		}
	}

	if evicted > 0 {
		logger.Debug("ledger gc evicted leases", zap.Int("evicted", evicted))
	}
}
