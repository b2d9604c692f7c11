package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uzzalhcse/spiderproxy/internal/ledger"
	"github.com/uzzalhcse/spiderproxy/internal/registry"
)

func newRegistry(t *testing.T, eps ...registry.Endpoint) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.WithWriteLock(func(proxies map[registry.Endpoint]*registry.ProxyStat) {
		for _, ep := range eps {
			proxies[ep] = &registry.ProxyStat{Endpoint: ep, LastDurationMs: -1, LastSuccessMs: -1}
		}
	})
	return reg
}

// ============================================================================
// Basic selection and fairness
// ============================================================================

func TestSelect_NoProxiesIsFatal(t *testing.T) {
	reg := registry.New()
	led := ledger.New()
	_, err := Select(reg, led, 1, 0)
	assert.ErrorIs(t, err, ErrNoProxies)
}

func TestSelect_SpreadsLoadAcrossProxies(t *testing.T) {
	epA := registry.Endpoint{IP: 1, Port: 80}
	epB := registry.Endpoint{IP: 2, Port: 80}
	reg := newRegistry(t, epA, epB)
	led := ledger.New()

	first, err := Select(reg, led, 100, 0)
	require.NoError(t, err)
	led.AddLease(&ledger.LoadBucket{TargetIP: 100, ProxyIP: first.Endpoint.IP, ProxyPort: first.Endpoint.Port, LeaseID: led.NextLeaseID()})

	second, err := Select(reg, led, 100, 1)
	require.NoError(t, err)

	assert.NotEqual(t, first.Endpoint, second.Endpoint, "a second lease for the same target should prefer the unused proxy")
}

func TestSelect_ReleaseThenReuse(t *testing.T) {
	epA := registry.Endpoint{IP: 1, Port: 80}
	epB := registry.Endpoint{IP: 2, Port: 80}
	reg := newRegistry(t, epA, epB)
	led := ledger.New()

	first, err := Select(reg, led, 100, 0)
	require.NoError(t, err)
	lease := &ledger.LoadBucket{TargetIP: 100, ProxyIP: first.Endpoint.IP, ProxyPort: first.Endpoint.Port, LeaseID: led.NextLeaseID()}
	led.AddLease(lease)

	second, err := Select(reg, led, 100, 1)
	require.NoError(t, err)
	require.NotEqual(t, first.Endpoint, second.Endpoint)

	led.Complete(100, first.Endpoint.IP, first.Endpoint.Port, lease.LeaseID, 5)

	third, err := Select(reg, led, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, second.Endpoint, third.Endpoint, "with counts tied at 0, the never-used proxy (last use 0) beats the one released at 5")
}

func TestSelect_PrefersHealthyOverDead(t *testing.T) {
	healthy := registry.Endpoint{IP: 1, Port: 80}
	dead := registry.Endpoint{IP: 2, Port: 80}
	reg := newRegistry(t, healthy, dead)
	reg.WithWriteLock(func(proxies map[registry.Endpoint]*registry.ProxyStat) {
		proxies[dead].LastError = registry.ErrProbeTimeout
	})
	led := ledger.New()

	winner, err := Select(reg, led, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, healthy, winner.Endpoint)
}

func TestSelect_FallsBackToDeadWhenAllDead(t *testing.T) {
	epA := registry.Endpoint{IP: 1, Port: 80}
	epB := registry.Endpoint{IP: 2, Port: 80}
	reg := newRegistry(t, epA, epB)
	reg.WithWriteLock(func(proxies map[registry.Endpoint]*registry.ProxyStat) {
		for _, sp := range proxies {
			sp.LastError = registry.ErrProbeConnect
		}
	})
	led := ledger.New()

	winner, err := Select(reg, led, 100, 0)
	require.NoError(t, err)
	assert.Contains(t, []registry.Endpoint{epA, epB}, winner.Endpoint)
}

func TestSelect_SkipsLeasesForRemovedProxies(t *testing.T) {
	epA := registry.Endpoint{IP: 1, Port: 80}
	reg := newRegistry(t, epA)
	led := ledger.New()

	gone := registry.Endpoint{IP: 99, Port: 80}
	led.AddLease(&ledger.LoadBucket{TargetIP: 100, ProxyIP: gone.IP, ProxyPort: gone.Port, LeaseID: led.NextLeaseID()})

	winner, err := Select(reg, led, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, epA, winner.Endpoint)
}
