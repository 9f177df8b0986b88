// Package cache keeps per-user snapshots of open tracked positions.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"order-core/pkg/db"
)

const numShards = 16

// Loader reads a user's open positions from the ledger on a cache miss.
type Loader func(ctx context.Context, userID string) ([]db.TrackedPosition, error)

// PositionCache is a sharded, TTL-bounded cache of open positions keyed by
// user. Writers of the ledger call Invalidate after every change.
type PositionCache struct {
	shards [numShards]*positionShard
	ttl    time.Duration
	load   Loader
	now    func() time.Time
}

type positionShard struct {
	mu    sync.RWMutex
	items map[string]positionEntry
}

type positionEntry struct {
	positions []db.TrackedPosition
	loadedAt  time.Time
}

// NewPositionCache creates a cache backed by load.
func NewPositionCache(ttl time.Duration, load Loader) *PositionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &PositionCache{ttl: ttl, load: load, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &positionShard{
			items: make(map[string]positionEntry),
		}
	}
	return c
}

func (c *PositionCache) getShard(userID string) *positionShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return c.shards[h.Sum32()%numShards]
}

// OpenPositions returns the user's open positions, loading them on a miss or
// once the cached copy is older than the TTL.
func (c *PositionCache) OpenPositions(ctx context.Context, userID string) ([]db.TrackedPosition, error) {
	shard := c.getShard(userID)
	shard.mu.RLock()
	entry, ok := shard.items[userID]
	shard.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		return clonePositions(entry.positions), nil
	}

	positions, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	shard.items[userID] = positionEntry{positions: positions, loadedAt: c.now()}
	shard.mu.Unlock()
	return clonePositions(positions), nil
}

// Invalidate drops the user's cached snapshot.
func (c *PositionCache) Invalidate(userID string) {
	shard := c.getShard(userID)
	shard.mu.Lock()
	delete(shard.items, userID)
	shard.mu.Unlock()
}

// Len returns total cached users across all shards.
func (c *PositionCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than the TTL.
func (c *PositionCache) Cleanup() int {
	removed := 0
	cutoff := c.now().Add(-c.ttl)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for user, entry := range shard.items {
			if entry.loadedAt.Before(cutoff) {
				delete(shard.items, user)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalUsers  int            `json:"total_users"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *PositionCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalUsers += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.loadedAt.Before(oldest) {
				oldest = entry.loadedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}

func clonePositions(in []db.TrackedPosition) []db.TrackedPosition {
	if in == nil {
		return nil
	}
	out := make([]db.TrackedPosition, len(in))
	copy(out, in)
	return out
}
