// Package registry implements the proxy registry: the in-memory map
// of configured proxy endpoints to their health statistics, with a
// rebuild-preserving diff against a user-edited text list.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

// Endpoint identifies a proxy by IPv4 address and port; it is the
// registry's map key.
type Endpoint struct {
	IP   uint32
	Port uint16
}

// ProxyStat is one proxy's identity, timing, status, and per-request
// selection scratch.
type ProxyStat struct {
	Endpoint Endpoint

	LastAttemptMs  int64
	LastDurationMs int64 // -1 sentinel: timed out or failed
	LastSuccessMs  int64 // -1 sentinel: never
	LastError      ErrorKind
	ProbeInFlight  bool

	// Selection scratch, reset at the top of every Selector.Select call.
	CountForThisIP      int
	LastUsedForThisIPMs int64
}

// Registry is the process-singleton proxy table. It is safe for
// concurrent use (an RPC handler runs per accepted connection), guarded by
// a single mutex in place of a single-threaded event loop.
type Registry struct {
	mu      sync.RWMutex
	proxies map[Endpoint]*ProxyStat
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{proxies: make(map[Endpoint]*ProxyStat)}
}

// Rebuild parses text and diffs it against the live table: unchanged
// endpoints keep their stats, new ones are added zeroed, removed ones are
// dropped. A parse error leaves the registry byte-identical.
func (r *Registry) Rebuild(text string) error {
	candidates, err := ParseProxyList(text)
	if err != nil {
		return err
	}

	wanted := make(map[Endpoint]struct{}, len(candidates))
	for _, ep := range candidates {
		wanted[ep] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for ep := range r.proxies {
		if _, ok := wanted[ep]; !ok {
			delete(r.proxies, ep)
		}
	}

	for ep := range wanted {
		if _, ok := r.proxies[ep]; ok {
			continue
		}
		r.proxies[ep] = &ProxyStat{
			Endpoint:       ep,
			LastDurationMs: -1,
			LastSuccessMs:  -1,
		}
	}

	logger.Info("proxy registry rebuilt", zap.Int("proxies", len(r.proxies)))
	return nil
}

// Lookup returns the stat for an endpoint, if configured.
func (r *Registry) Lookup(ep Endpoint) (*ProxyStat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.proxies[ep]
	return sp, ok
}

// ForEach visits every configured proxy. The visitor must not mutate the
// registry (add/remove endpoints); mutating an individual ProxyStat's
// fields in place is fine since ProxyStat is held by pointer.
func (r *Registry) ForEach(visitor func(*ProxyStat)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sp := range r.proxies {
		visitor(sp)
	}
}

// Snapshot returns a point-in-time slice, in no particular order, of
// pointers to the live proxies, for callers (admin table, persistence)
// that need a slice instead of a visitor callback. The ProxyStat values
// themselves are shared with the registry, not copied.
func (r *Registry) Snapshot() []*ProxyStat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProxyStat, 0, len(r.proxies))
	for _, sp := range r.proxies {
		out = append(out, sp)
	}
	return out
}

// WithWriteLock runs fn with exclusive access to the live proxy table. It
// is how the Selector atomically resets scratch fields, scores every
// proxy against the ledger, and picks a winner, and how the Health Prober
// atomically flips probeInFlight and records a completed probe — so two
// goroutines never observe a half-updated ProxyStat. fn must not retain
// the map past the call and must not block.
func (r *Registry) WithWriteLock(fn func(proxies map[Endpoint]*ProxyStat)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.proxies)
}

// Len returns the number of configured proxies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.proxies)
}
