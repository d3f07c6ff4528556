package tracker

import (
	"sync"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
)

// snapshotCache memoizes progress snapshots for a short TTL so polling
// clients do not trigger a recompute on every query. Entries are
// invalidated immediately when a completion event touches their batch, so
// the cache can never serve stale progress after a state change.
type snapshotCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	snap      batch.Snapshot
	expiresAt time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *snapshotCache) get(batchID string) (batch.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[batchID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(c.entries, batchID)
		return batch.Snapshot{}, false
	}
	return entry.snap, true
}

func (c *snapshotCache) set(batchID string, snap batch.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic pruning keeps the map bounded without a sweeper.
	now := time.Now()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	c.entries[batchID] = cacheEntry{snap: snap, expiresAt: now.Add(c.ttl)}
}

func (c *snapshotCache) invalidate(batchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, batchID)
}
