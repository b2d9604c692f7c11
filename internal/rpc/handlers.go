package rpc

import (
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/audit"
	"github.com/uzzalhcse/spiderproxy/internal/ledger"
	"github.com/uzzalhcse/spiderproxy/internal/logger"
	"github.com/uzzalhcse/spiderproxy/internal/registry"
	"github.com/uzzalhcse/spiderproxy/internal/selector"
)

// leaseRequestSize is the LEASE request body: a 4-byte target IP.
const leaseRequestSize = 4

// leaseReplySize is the LEASE reply body: 4-byte proxy IP, 2-byte proxy
// port, 4-byte lease id.
const leaseReplySize = 10

// releaseRequestSize is the RELEASE request body: 4-byte target IP,
// 4-byte proxy IP, 2-byte proxy port, 4-byte lease id.
const releaseRequestSize = 14

// nowFn is overridable in tests.
var nowFn = func() int64 { return time.Now().UnixMilli() }

// Handlers wires the LEASE/RELEASE request handlers to the registry,
// ledger, and selector.
type Handlers struct {
	reg   *registry.Registry
	led   *ledger.Ledger
	trail *audit.Trail // optional, nil when audit is disabled

	// leaseMu makes select-then-reserve one atomic step. Registry.mu and
	// Ledger.mu each protect their own table, but Select reads the ledger
	// to score proxies and AddLease writes it; without a lock spanning
	// both calls, two concurrent LEASE requests for the same target IP
	// can both pick the same winner before either reserves it.
	leaseMu sync.Mutex
}

// NewHandlers builds the LEASE/RELEASE handlers for reg and led.
func NewHandlers(reg *registry.Registry, led *ledger.Ledger) *Handlers {
	return &Handlers{reg: reg, led: led}
}

// WithAudit attaches an audit trail so completed leases are also recorded
// to Postgres. Optional: a Handlers with no trail behaves identically,
// just without the history.
func (h *Handlers) WithAudit(t *audit.Trail) *Handlers {
	h.trail = t
	return h
}

// Register binds LEASE and RELEASE to s.
func (h *Handlers) Register(s *Server) {
	s.Register(OpLease, h.handleLease)
	s.Register(OpRelease, h.handleRelease)
}

// handleLease implements opcode 0x54: pick a proxy for the requested
// target IP, record a new outstanding lease, and reply with the chosen
// endpoint and lease id. Select and reserve run under leaseMu so two
// concurrent requests can never both win the same proxy.
func (h *Handlers) handleLease(body []byte, workerHostID uint32) ([]byte, byte) {
	if len(body) != leaseRequestSize {
		return nil, StatusBadRequestSize
	}
	targetIP := binary.BigEndian.Uint32(body)
	nowMs := nowFn()

	h.leaseMu.Lock()
	defer h.leaseMu.Unlock()

	sp, err := selector.Select(h.reg, h.led, targetIP, nowMs)
	if err != nil {
		logger.Warn("lease request failed", zap.Error(err))
		return nil, StatusInternalError
	}

	leaseID := h.led.NextLeaseID()
	h.led.AddLease(&ledger.LoadBucket{
		TargetIP:     targetIP,
		StartMs:      nowMs,
		WorkerHostID: workerHostID,
		ProxyIP:      sp.Endpoint.IP,
		ProxyPort:    sp.Endpoint.Port,
		LeaseID:      leaseID,
	})

	h.led.GC(nowMs)

	reply := make([]byte, leaseReplySize)
	binary.BigEndian.PutUint32(reply[0:4], sp.Endpoint.IP)
	binary.BigEndian.PutUint16(reply[4:6], sp.Endpoint.Port)
	binary.BigEndian.PutUint32(reply[6:10], leaseID)
	return reply, StatusOK
}

// handleRelease implements opcode 0x55: mark the named lease complete.
// Idempotent and never fails the transport even when the lease is already
// gone.
func (h *Handlers) handleRelease(body []byte, _ uint32) ([]byte, byte) {
	if len(body) != releaseRequestSize {
		return nil, StatusBadRequestSize
	}
	targetIP := binary.BigEndian.Uint32(body[0:4])
	proxyIP := binary.BigEndian.Uint32(body[4:8])
	proxyPort := binary.BigEndian.Uint16(body[8:10])
	leaseID := binary.BigEndian.Uint32(body[10:14])

	lb, completed := h.led.Complete(targetIP, proxyIP, proxyPort, leaseID, nowFn())
	if completed && h.trail != nil {
		h.trail.Record(&lb)
	}
	return nil, StatusOK
}
