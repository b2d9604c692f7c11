// Package coordinator is the composition root: it wires the Proxy
// Registry, Load Ledger, Selector, Health Prober, cluster membership and
// Leadership Gate, RPC transport, admin HTTP, persistence, and the
// optional audit trail into one running node.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/admin"
	"github.com/uzzalhcse/spiderproxy/internal/audit"
	"github.com/uzzalhcse/spiderproxy/internal/cache"
	"github.com/uzzalhcse/spiderproxy/internal/cluster"
	"github.com/uzzalhcse/spiderproxy/internal/config"
	"github.com/uzzalhcse/spiderproxy/internal/ledger"
	"github.com/uzzalhcse/spiderproxy/internal/logger"
	"github.com/uzzalhcse/spiderproxy/internal/prober"
	"github.com/uzzalhcse/spiderproxy/internal/registry"
	"github.com/uzzalhcse/spiderproxy/internal/rpc"
)

// gcInterval is how often the ledger's mark-and-sweep pass runs,
// independent of the LEASE-triggered GC in the handler path.
const gcInterval = time.Minute

// heartbeatInterval is how often this node refreshes its own liveness
// key; membershipWatchInterval is how often it polls for peer changes.
const heartbeatInterval = 5 * time.Second
const membershipWatchInterval = 3 * time.Second
const heartbeatTTL = 15 * time.Second

// probeInterval is how often the Prober scans for proxies due a retry.
// It runs far more often than RetryIntervalMs so a proxy is probed
// promptly once its backoff elapses.
const probeInterval = 5 * time.Second

// Node is one running coordinator process.
type Node struct {
	cfg *config.Config

	reg     *registry.Registry
	led     *ledger.Ledger
	cache   *cache.Cache
	member  *cluster.RedisMembership
	gate    *cluster.Gate
	prober  *prober.Prober
	rpcSrv  *rpc.Server
	adminSrv *admin.Server
	trail   *audit.Trail

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Node from cfg but does not start any background work.
func New(cfg *config.Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New()
	if err := reg.Load(cfg.Server.WorkDir, registry.StatsFileName); err != nil {
		logger.Info("no prior proxy stats loaded", zap.Error(err))
	}

	if err := reg.Rebuild(cfg.Proxy.ProxyIPs); err != nil {
		logger.Warn("initial proxy list failed to parse, keeping loaded proxies", zap.Error(err))
	}

	led := ledger.New()

	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		cancel()
		return nil, err
	}

	member := cluster.NewRedisMembership(redisCache, cfg.Cluster.SelfIndex, heartbeatTTL)

	n := &Node{
		cfg:    cfg,
		reg:    reg,
		led:    led,
		cache:  redisCache,
		member: member,
		ctx:    ctx,
		cancel: cancel,
	}

	n.gate = cluster.NewGate(member, n.onPeerDead)

	fetcher := prober.FastHTTPFetcher{}
	n.prober = prober.New(reg, fetcher, n.testURL, n.gate.IsLeader)

	if cfg.Audit.Enabled {
		trail, err := audit.New(ctx, cfg.Audit.DSN)
		if err != nil {
			logger.Warn("audit trail unavailable, continuing without it", zap.Error(err))
		} else {
			n.trail = trail
		}
	}

	rpcSrv := rpc.NewServer(
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
	)
	handlers := rpc.NewHandlers(reg, led)
	if n.trail != nil {
		handlers.WithAudit(n.trail)
	}
	handlers.Register(rpcSrv)
	n.rpcSrv = rpcSrv

	n.adminSrv = admin.New(reg, n.gate, func() []string { return n.cfg.Cluster.PeerAdmins })

	return n, nil
}

// testURL returns the currently configured probe URL.
func (n *Node) testURL() string {
	return n.cfg.Proxy.ProxyTestURL
}

// onPeerDead is the optional lease-reclamation hook for a worker host
// observed to have dropped out of the cluster.
func (n *Node) onPeerDead(peerIndex int) {
	closed := n.led.CompleteAllForHost(uint32(peerIndex), time.Now().UnixMilli())
	if closed > 0 {
		logger.Info("reclaimed leases for dead peer",
			zap.Int("peer_index", peerIndex),
			zap.Int("leases_closed", closed),
		)
	}
}

// Start launches every background loop and listener. The RPC and admin
// listeners are started on their own goroutines and Start returns without
// waiting for them to bind; errors from either surface asynchronously
// through the logger, since this mirrors a long-running service rather
// than a one-shot call.
func (n *Node) Start() error {
	n.member.StartHeartbeat(n.ctx, heartbeatInterval)
	n.gate.Watch(membershipWatchInterval)
	n.prober.Start(probeInterval)

	go n.gcLoop()
	go n.persistLoop()

	go func() {
		if err := n.rpcSrv.ListenAndServe(n.cfg.Server.RPCAddr()); err != nil {
			logger.Error("rpc server stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := n.adminSrv.Listen(n.cfg.Server.AdminAddr()); err != nil {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}()

	logger.Info("coordinator started",
		zap.String("rpc_addr", n.cfg.Server.RPCAddr()),
		zap.String("admin_addr", n.cfg.Server.AdminAddr()),
		zap.Int("self_index", n.cfg.Cluster.SelfIndex),
	)
	return nil
}

func (n *Node) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.led.GC(time.Now().UnixMilli())
		}
	}
}

// persistLoop periodically saves the registry to disk while this node is
// the leader.
func (n *Node) persistLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if !n.gate.IsLeader() {
				continue
			}
			if err := n.reg.Save(n.cfg.Server.WorkDir, registry.StatsFileName); err != nil {
				logger.Warn("failed to persist proxy stats", zap.Error(err))
			}
		}
	}
}

// Shutdown stops every background loop and the admin listener, saving a
// final snapshot if this node is the leader. The RPC listener is not
// closed here.
func (n *Node) Shutdown(ctx context.Context) {
	n.cancel()

	n.prober.Stop()
	n.gate.Stop()
	n.member.Stop()

	if n.gate.IsLeader() {
		if err := n.reg.Save(n.cfg.Server.WorkDir, registry.StatsFileName); err != nil {
			logger.Warn("failed to persist proxy stats on shutdown", zap.Error(err))
		}
	}

	_ = n.adminSrv.Shutdown()
	if n.trail != nil {
		n.trail.Close()
	}
	n.cache.Close()
}
