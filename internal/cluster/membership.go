// Package cluster exposes the list of live peers, elects the
// lowest-indexed one leader, and implements the leadership gate that
// guards probing and persistence.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/cache"
	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

const heartbeatKeyPrefix = "spiderproxy:membership:peer:"

// Membership reports cluster liveness: every node registers itself alive,
// and the lowest alive index is the leader. Real deployments can satisfy
// this with whatever liveness service the surrounding cluster already
// runs; RedisMembership is the reference implementation here.
type Membership interface {
	SelfIndex() int
	AliveIndexes() []int
	IsLeader() bool
}

// RedisMembership backs liveness with a TTL'd heartbeat key per peer
// index in Redis.
type RedisMembership struct {
	cache     *cache.Cache
	selfIndex int
	ttl       time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

// NewRedisMembership creates a membership tracker for selfIndex.
func NewRedisMembership(c *cache.Cache, selfIndex int, ttl time.Duration) *RedisMembership {
	return &RedisMembership{
		cache:     c,
		selfIndex: selfIndex,
		ttl:       ttl,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SelfIndex returns this node's configured cluster index.
func (m *RedisMembership) SelfIndex() int { return m.selfIndex }

// StartHeartbeat begins refreshing this node's liveness key every
// interval until Stop is called.
func (m *RedisMembership) StartHeartbeat(ctx context.Context, interval time.Duration) {
	m.beat(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.beat(ctx)
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (m *RedisMembership) Stop() {
	close(m.stopCh)
	<-m.done
}

func (m *RedisMembership) beat(ctx context.Context) {
	key := heartbeatKeyPrefix + strconv.Itoa(m.selfIndex)
	if err := m.cache.Set(ctx, key, "1", m.ttl); err != nil {
		logger.Warn("membership heartbeat failed", zap.Int("self_index", m.selfIndex), zap.Error(err))
	}
}

// AliveIndexes returns every peer index with a live heartbeat key,
// ascending. This node's own index appears once StartHeartbeat has written
// it successfully; a failed heartbeat write is only logged, so the index
// can be missing until a later beat succeeds.
func (m *RedisMembership) AliveIndexes() []int {
	keys, err := m.cache.Keys(context.Background(), heartbeatKeyPrefix+"*")
	if err != nil {
		logger.Warn("membership scan failed", zap.Error(err))
		// Fail safe to "I'm the only one alive" rather than silently
		// losing leadership on a transient Redis hiccup.
		return []int{m.selfIndex}
	}

	indexes := make([]int, 0, len(keys))
	for _, k := range keys {
		suffix := strings.TrimPrefix(k, heartbeatKeyPrefix)
		idx, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes
}

// IsLeader reports whether this node is the lowest-indexed live peer.
func (m *RedisMembership) IsLeader() bool {
	alive := m.AliveIndexes()
	if len(alive) == 0 {
		return true
	}
	return alive[0] == m.selfIndex
}

// AdminURLFor returns the admin HTTP URL for a peer index, given the
// configured parallel list of peer admin addresses.
func AdminURLFor(peerAdmins []string, index int) (string, error) {
	if index < 0 || index >= len(peerAdmins) {
		return "", fmt.Errorf("no admin address configured for peer index %d", index)
	}
	return "http://" + peerAdmins[index] + "/admin/proxies", nil
}
