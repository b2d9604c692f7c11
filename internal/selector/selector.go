// Package selector implements the Selector: given a target IP, pick the
// best proxy by count-for-IP then oldest-last-use, with dead-proxy
// fallback.
package selector

import (
	"errors"
	"math"

	"github.com/uzzalhcse/spiderproxy/internal/ledger"
	"github.com/uzzalhcse/spiderproxy/internal/registry"
)

// ErrNoProxies is returned when the registry is empty. This is the one
// fatal-to-the-request condition; it must never crash the process —
// callers reply with a transport-level error.
var ErrNoProxies = errors.New("selector: no proxies configured")

// Select picks a proxy for targetIP. It resets every proxy's selection
// scratch, replays the ledger's leases for targetIP to recompute
// per-proxy load and recency, then runs a two-pass (healthy-first,
// dead-fallback) scoring pass. The whole operation runs under the
// registry's write lock so it is atomic with respect to concurrent probe
// completions and other Select calls.
func Select(reg *registry.Registry, led *ledger.Ledger, targetIP uint32, nowMs int64) (*registry.ProxyStat, error) {
	var winner *registry.ProxyStat
	var selErr error

	reg.WithWriteLock(func(proxies map[registry.Endpoint]*registry.ProxyStat) {
		if len(proxies) == 0 {
			selErr = ErrNoProxies
			return
		}

		for _, sp := range proxies {
			sp.CountForThisIP = 0
			sp.LastUsedForThisIPMs = 0
		}

		led.ForEachLeaseByTarget(targetIP, func(lb *ledger.LoadBucket) {
			ep := registry.Endpoint{IP: lb.ProxyIP, Port: lb.ProxyPort}
			sp, ok := proxies[ep]
			if !ok {
				// PROXY_GONE: the lease's proxy was removed from the
				// live list by a config rebuild; silently skipped.
				return
			}
			if lb.EndMs == 0 {
				sp.CountForThisIP++
				return
			}
			if lb.EndMs > sp.LastUsedForThisIPMs {
				sp.LastUsedForThisIPMs = lb.EndMs
			}
		})

		winner = pickMinCount(proxies, true)
		if winner == nil {
			winner = pickMinCount(proxies, false)
		}
	})

	if selErr != nil {
		return nil, selErr
	}
	return winner, nil
}

// pickMinCount finds the minimum CountForThisIP among eligible proxies
// (skipDead filters to LastError == ErrNone), then returns the eligible
// proxy at that count with the smallest LastUsedForThisIPMs. Returns nil
// if skipDead excludes every proxy (all proxies are dead).
func pickMinCount(proxies map[registry.Endpoint]*registry.ProxyStat, skipDead bool) *registry.ProxyStat {
	minCount := -1
	for _, sp := range proxies {
		if skipDead && sp.LastError != registry.ErrNone {
			continue
		}
		if minCount == -1 || sp.CountForThisIP < minCount {
			minCount = sp.CountForThisIP
		}
	}
	if minCount == -1 {
		return nil
	}

	var winner *registry.ProxyStat
	oldest := int64(math.MaxInt64)
	for _, sp := range proxies {
		if skipDead && sp.LastError != registry.ErrNone {
			continue
		}
		if sp.CountForThisIP != minCount {
			continue
		}
		if sp.LastUsedForThisIPMs >= oldest {
			continue
		}
		oldest = sp.LastUsedForThisIPMs
		winner = sp
	}
	return winner
}
