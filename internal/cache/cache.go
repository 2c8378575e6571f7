// Package cache implements the freshness cache in front of the aggregator
// and the access-driven warmer that keeps hot feeds fresh. The cache is
// deliberately strict: entries past the freshness threshold are bypassed
// even when their TTL has not expired, so a reader never sees stale data.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// entry is one cached aggregate plus the bookkeeping the LRU and warmer
// need.
type entry struct {
	value      models.AggregatedPrice
	storedAt   time.Time
	lastAccess time.Time
}

// accessStat is the sliding-window access record per feed used for warm
// ranking.
type accessStat struct {
	count      int64
	windowFrom time.Time
	lastAccess time.Time
}

// Cache maps FeedID to the freshest known aggregate. Single writer, many
// readers; reads take the lock only long enough to copy the entry.
type Cache struct {
	cfg    config.CacheConfig
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	entries  map[models.FeedID]*entry
	accesses map[models.FeedID]*accessStat

	hits      int64
	misses    int64
	evictions int64
}

// New creates an empty freshness cache.
func New(cfg config.CacheConfig, logger zerolog.Logger) *Cache {
	return &Cache{
		cfg:      cfg,
		logger:   logger.With().Str("component", "cache").Logger(),
		now:      time.Now,
		entries:  make(map[models.FeedID]*entry),
		accesses: make(map[models.FeedID]*accessStat),
	}
}

// Get returns the cached aggregate iff it is strictly fresh: entry age
// below the freshness threshold and TTL unexpired. Equality at the
// boundary is a miss. Every call records an access for the warmer.
func (c *Cache) Get(id models.FeedID) (models.AggregatedPrice, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordAccessLocked(id, now)

	e, ok := c.entries[id]
	if !ok {
		c.misses++
		return models.AggregatedPrice{}, false
	}
	if now.Sub(e.storedAt) > c.cfg.TTL || now.Sub(e.value.Time()) >= c.cfg.FreshThreshold {
		c.misses++
		return models.AggregatedPrice{}, false
	}
	e.lastAccess = now
	c.hits++
	return e.value, true
}

// Set stores an aggregate, replacing the current entry only when the new
// timestamp is not older.
func (c *Cache) Set(id models.FeedID, ap models.AggregatedPrice) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[id]; ok && ap.Timestamp < cur.value.Timestamp {
		return
	}
	if _, ok := c.entries[id]; !ok && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}
	c.entries[id] = &entry{value: ap, storedAt: now, lastAccess: now}
}

// InvalidateOnPriceUpdate drops the entry when the aggregator published a
// newer value, forcing the next read through to the fresh aggregate.
func (c *Cache) InvalidateOnPriceUpdate(id models.FeedID, timestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && e.value.Timestamp < timestamp {
		delete(c.entries, id)
	}
}

// Remove drops a feed's entry and access history.
func (c *Cache) Remove(id models.FeedID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	delete(c.accesses, id)
}

// evictLocked removes the configured fraction of entries, least recently
// accessed first, skipping entries still inside the freshness threshold.
func (c *Cache) evictLocked(now time.Time) {
	target := int(float64(c.cfg.MaxEntries) * c.cfg.EvictFraction)
	if target < 1 {
		target = 1
	}

	type candidate struct {
		id         models.FeedID
		lastAccess time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for id, e := range c.entries {
		if now.Sub(e.value.Time()) < c.cfg.FreshThreshold {
			continue
		}
		candidates = append(candidates, candidate{id: id, lastAccess: e.lastAccess})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	if len(candidates) > target {
		candidates = candidates[:target]
	}
	for _, cand := range candidates {
		delete(c.entries, cand.id)
		c.evictions++
	}
}

// recordAccessLocked folds one access into the sliding window.
func (c *Cache) recordAccessLocked(id models.FeedID, now time.Time) {
	windowStart := now.Add(-time.Minute)
	s, ok := c.accesses[id]
	if !ok || s.windowFrom.Before(windowStart) {
		// Roll the window: halve the carried count so frequency decays
		// instead of resetting to zero.
		carried := int64(0)
		if ok {
			carried = s.count / 2
		}
		s = &accessStat{count: carried, windowFrom: now}
		c.accesses[id] = s
	}
	s.count++
	s.lastAccess = now
}

// AccessRank is one feed's warm-ranking input.
type AccessRank struct {
	Feed       models.FeedID
	Count      int64
	LastAccess time.Time
}

// TopAccessed returns the n most-accessed feeds, most frequent first.
func (c *Cache) TopAccessed(n int) []AccessRank {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ranks := make([]AccessRank, 0, len(c.accesses))
	for id, s := range c.accesses {
		ranks = append(ranks, AccessRank{Feed: id, Count: s.count, LastAccess: s.lastAccess})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Count != ranks[j].Count {
			return ranks[i].Count > ranks[j].Count
		}
		return ranks[i].LastAccess.After(ranks[j].LastAccess)
	})
	if len(ranks) > n {
		ranks = ranks[:n]
	}
	return ranks
}

// NeedsWarming reports whether a feed's entry is absent or no longer
// strictly fresh.
func (c *Cache) NeedsWarming(id models.FeedID) bool {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return true
	}
	return now.Sub(e.storedAt) > c.cfg.TTL || now.Sub(e.value.Time()) >= c.cfg.FreshThreshold
}

// Stats is the cache's health snapshot.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats snapshots hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
