package cluster

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

// Gate guards probing and persistence behind Gate.IsLeader(), so every
// node can run the same handlers and periodic ticks while only the
// leader does the work. Gate also watches for peers that drop out of the
// alive set and reports them to an optional callback, so outstanding
// leases held by a dead peer can be reclaimed.
type Gate struct {
	membership Membership

	mu        sync.Mutex
	lastAlive map[int]struct{}

	onPeerDead func(peerIndex int)
	stopCh     chan struct{}
	done       chan struct{}
}

// NewGate wraps a Membership with peer-death detection. onPeerDead may be
// nil if the caller doesn't want the optional reclamation hook.
func NewGate(m Membership, onPeerDead func(peerIndex int)) *Gate {
	return &Gate{
		membership: m,
		lastAlive:  map[int]struct{}{},
		onPeerDead: onPeerDead,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// IsLeader reports whether this node should run the prober and
// persistence.
func (g *Gate) IsLeader() bool {
	return g.membership.IsLeader()
}

// LeaderIndex returns the currently elected peer index (the lowest alive
// index), for the admin redirect link. Returns 0 if no peer is alive.
func (g *Gate) LeaderIndex() int {
	alive := g.membership.AliveIndexes()
	if len(alive) == 0 {
		return 0
	}
	return alive[0]
}

// Watch polls AliveIndexes every interval and fires onPeerDead for any
// index present last poll but absent this poll.
func (g *Gate) Watch(interval time.Duration) {
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.pollOnce()
			}
		}
	}()
}

func (g *Gate) pollOnce() {
	alive := g.membership.AliveIndexes()
	aliveSet := make(map[int]struct{}, len(alive))
	for _, idx := range alive {
		aliveSet[idx] = struct{}{}
	}

	g.mu.Lock()
	dead := make([]int, 0)
	for idx := range g.lastAlive {
		if _, ok := aliveSet[idx]; !ok {
			dead = append(dead, idx)
		}
	}
	g.lastAlive = aliveSet
	g.mu.Unlock()

	if len(dead) == 0 {
		return
	}
	sort.Ints(dead)
	for _, idx := range dead {
		logger.Warn("peer dropped out of cluster membership", zap.Int("peer_index", idx))
		if g.onPeerDead != nil {
			g.onPeerDead(idx)
		}
	}
}

// Stop halts the watch loop.
func (g *Gate) Stop() {
	close(g.stopCh)
	<-g.done
}
