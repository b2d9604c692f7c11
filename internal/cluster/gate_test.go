package cluster

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeMembership struct {
	mu        sync.Mutex
	alive     []int
	selfIndex int
}

func (f *fakeMembership) SelfIndex() int { return f.selfIndex }

func (f *fakeMembership) AliveIndexes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.alive))
	copy(out, f.alive)
	sort.Ints(out)
	return out
}

func (f *fakeMembership) IsLeader() bool {
	alive := f.AliveIndexes()
	if len(alive) == 0 {
		return true
	}
	return alive[0] == f.selfIndex
}

func (f *fakeMembership) setAlive(indexes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = indexes
}

// ============================================================================
// Gate
// ============================================================================

func TestGate_IsLeaderDelegates(t *testing.T) {
	m := &fakeMembership{selfIndex: 0, alive: []int{0, 1}}
	g := NewGate(m, nil)
	assert.True(t, g.IsLeader())

	m.setAlive(1, 0)
	assert.True(t, g.IsLeader(), "index 0 is still the lowest regardless of slice order")
}

func TestGate_LeaderIndex(t *testing.T) {
	m := &fakeMembership{selfIndex: 2, alive: []int{1, 2}}
	g := NewGate(m, nil)
	assert.Equal(t, 1, g.LeaderIndex())
}

func TestGate_PollOnceFiresOnPeerDrop(t *testing.T) {
	m := &fakeMembership{selfIndex: 0, alive: []int{0, 1, 2}}
	var mu sync.Mutex
	var dead []int
	g := NewGate(m, func(idx int) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, idx)
	})

	g.pollOnce()
	mu.Lock()
	assert.Empty(t, dead, "first poll just establishes the baseline")
	mu.Unlock()

	m.setAlive(0, 2)
	g.pollOnce()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, dead)
}

func TestGate_PollOnceNoFalsePositiveOnReorder(t *testing.T) {
	m := &fakeMembership{selfIndex: 0, alive: []int{0, 1, 2}}
	var calls int
	g := NewGate(m, func(idx int) { calls++ })

	g.pollOnce()
	m.setAlive(2, 1, 0)
	g.pollOnce()

	assert.Equal(t, 0, calls)
}

// ============================================================================
// AdminURLFor
// ============================================================================

func TestAdminURLFor(t *testing.T) {
	peers := []string{"10.0.0.1:8080", "10.0.0.2:8080"}

	url, err := AdminURLFor(peers, 1)
	assert.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8080/admin/proxies", url)

	_, err = AdminURLFor(peers, 5)
	assert.Error(t, err)
}
