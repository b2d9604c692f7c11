// Package prober implements the health prober: on the leader only, it
// periodically fetches the configured test URL through every proxy and
// records the outcome in the proxy's ProxyStat.
package prober

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/logger"
	"github.com/uzzalhcse/spiderproxy/internal/registry"
)

// RetryIntervalMs is the minimum gap between probe attempts for one
// proxy — 31 seconds.
const RetryIntervalMs int64 = 31 * 1000

// Timeout bounds a single probe attempt.
const Timeout = 30 * time.Second

// nowFn is overridable in tests.
var nowFn = func() int64 { return time.Now().UnixMilli() }

// Prober runs the periodic test-URL fetch loop.
type Prober struct {
	reg      *registry.Registry
	fetcher  Fetcher
	testURL  func() string
	isLeader func() bool

	stopCh   chan struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New builds a Prober. testURL and isLeader are read fresh on every tick
// so config reloads and leadership changes take effect without a restart.
func New(reg *registry.Registry, fetcher Fetcher, testURL func() string, isLeader func() bool) *Prober {
	return &Prober{
		reg:      reg,
		fetcher:  fetcher,
		testURL:  testURL,
		isLeader: isLeader,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop on its own goroutine.
func (p *Prober) Start(interval time.Duration) {
	p.wg.Add(1)
	go p.run(interval)
}

// Stop halts the tick loop and waits for any in-flight probe launches to
// be kicked off (not for the probes themselves to complete).
func (p *Prober) Stop() {
	if p.shutdown.CompareAndSwap(false, true) {
		close(p.stopCh)
	}
	p.wg.Wait()
}

func (p *Prober) run(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick(nowFn())
		}
	}
}

// Tick scans the registry once, launching a probe for every proxy whose
// last attempt is stale and which isn't already in flight. A no-op off
// the leader, and a no-op if the test URL is empty.
func (p *Prober) Tick(nowMs int64) {
	if !p.isLeader() {
		return
	}
	testURL := p.testURL()
	if testURL == "" {
		return
	}

	var toProbe []registry.Endpoint
	p.reg.WithWriteLock(func(proxies map[registry.Endpoint]*registry.ProxyStat) {
		for ep, sp := range proxies {
			if sp.ProbeInFlight {
				continue
			}
			if sp.LastAttemptMs != 0 && nowMs-sp.LastAttemptMs < RetryIntervalMs {
				continue
			}
			sp.ProbeInFlight = true
			sp.LastAttemptMs = nowMs
			toProbe = append(toProbe, ep)
		}
	})

	for _, ep := range toProbe {
		go p.probeOne(ep, testURL, nowMs)
	}
}

func (p *Prober) probeOne(ep registry.Endpoint, testURL string, attemptMs int64) {
	kind := p.fetcher.Fetch(testURL, ep.IP, ep.Port, Timeout)
	completedMs := nowFn()

	p.reg.WithWriteLock(func(proxies map[registry.Endpoint]*registry.ProxyStat) {
		sp, ok := proxies[ep]
		if !ok {
			// user removed it from the list before the probe finished
			return
		}
		sp.ProbeInFlight = false
		sp.LastError = kind
		if kind == registry.ErrNone {
			sp.LastDurationMs = completedMs - attemptMs
			sp.LastSuccessMs = completedMs
		} else {
			sp.LastDurationMs = -1
		}
	})

	if kind != registry.ErrNone {
		logger.Warn("proxy probe failed",
			zap.String("proxy", ipPortString(ep)),
			zap.String("error", kind.String()),
		)
	}
}

func ipPortString(ep registry.Endpoint) string {
	return fmt.Sprintf("%s:%d", ipToString(ep.IP), ep.Port)
}
