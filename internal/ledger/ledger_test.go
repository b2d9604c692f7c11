package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Lease lifecycle
// ============================================================================

func TestLedger_CompleteIsIdempotent(t *testing.T) {
	l := New()
	lb := &LoadBucket{TargetIP: 1, ProxyIP: 10, ProxyPort: 8080, LeaseID: l.NextLeaseID()}
	l.AddLease(lb)

	completed, ok := l.Complete(1, 10, 8080, lb.LeaseID, 1000)
	require.True(t, ok)
	assert.Equal(t, int64(1000), completed.EndMs)

	_, ok = l.Complete(1, 10, 8080, lb.LeaseID, 2000)
	assert.False(t, ok, "second completion of the same lease must be a no-op")
	assert.Equal(t, int64(1000), lb.EndMs, "end time must not move on a repeat release")
}

func TestLedger_CompleteRequiresExactMatch(t *testing.T) {
	l := New()
	lb := &LoadBucket{TargetIP: 1, ProxyIP: 10, ProxyPort: 8080, LeaseID: l.NextLeaseID()}
	l.AddLease(lb)

	_, ok := l.Complete(1, 10, 8080, lb.LeaseID+1, 1000)
	assert.False(t, ok, "wrong lease id must not complete the lease")

	_, ok = l.Complete(1, 11, 8080, lb.LeaseID, 1000)
	assert.False(t, ok, "wrong proxy ip must not complete the lease")
}

func TestLedger_CompleteAllForHost(t *testing.T) {
	l := New()
	lb1 := &LoadBucket{TargetIP: 1, WorkerHostID: 5, LeaseID: l.NextLeaseID()}
	lb2 := &LoadBucket{TargetIP: 2, WorkerHostID: 5, LeaseID: l.NextLeaseID()}
	lb3 := &LoadBucket{TargetIP: 1, WorkerHostID: 6, LeaseID: l.NextLeaseID()}
	l.AddLease(lb1)
	l.AddLease(lb2)
	l.AddLease(lb3)

	closed := l.CompleteAllForHost(5, 500)
	assert.Equal(t, 2, closed)
	assert.Equal(t, int64(500), lb1.EndMs)
	assert.Equal(t, int64(500), lb2.EndMs)
	assert.Equal(t, int64(0), lb3.EndMs, "a different host's lease must be untouched")
}

// ============================================================================
// GC
// ============================================================================

func TestLedger_GCEvictsOnlyStaleCompletedLeases(t *testing.T) {
	l := New()

	active := &LoadBucket{TargetIP: 1, LeaseID: l.NextLeaseID()}
	l.AddLease(active)

	freshlyDone := &LoadBucket{TargetIP: 1, LeaseID: l.NextLeaseID(), EndMs: 200}
	l.AddLease(freshlyDone)

	staleDone := &LoadBucket{TargetIP: 1, LeaseID: l.NextLeaseID(), EndMs: 100}
	l.AddLease(staleDone)

	l.GC(100 + GCWindowMs - 1)

	var seen []*LoadBucket
	l.ForEachLeaseByTarget(1, func(lb *LoadBucket) { seen = append(seen, lb) })
	assert.Len(t, seen, 3, "nothing should be evicted before the GC window elapses")

	l.GC(100 + GCWindowMs)

	seen = nil
	l.ForEachLeaseByTarget(1, func(lb *LoadBucket) { seen = append(seen, lb) })
	assert.Len(t, seen, 2, "exactly the stale completed lease should be evicted at the window boundary")
	assert.Equal(t, active.LeaseID, seen[0].LeaseID)
	assert.Equal(t, freshlyDone.LeaseID, seen[1].LeaseID)
}

func TestLedger_GCRemovesEmptyTargetBuckets(t *testing.T) {
	l := New()
	lb := &LoadBucket{TargetIP: 42, LeaseID: l.NextLeaseID(), EndMs: 1}
	l.AddLease(lb)

	l.GC(1 + GCWindowMs)

	var seen []*LoadBucket
	l.ForEachLeaseByTarget(42, func(lb *LoadBucket) { seen = append(seen, lb) })
	assert.Empty(t, seen)
}
