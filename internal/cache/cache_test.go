package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

func feed(name string) models.FeedID {
	return models.FeedID{Category: models.CategoryCrypto, Name: name}
}

func testCache(t *testing.T, mutate func(*config.CacheConfig)) (*Cache, *time.Time) {
	t.Helper()
	cfg := config.DefaultConfig().Cache
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, zerolog.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func aggregateAt(name string, ts time.Time, price float64) models.AggregatedPrice {
	return models.AggregatedPrice{
		Feed:       feed(name),
		Symbol:     name,
		Price:      price,
		Timestamp:  ts.UnixMilli(),
		Sources:    []string{"a", "b", "c"},
		Confidence: 0.9,
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	c, now := testCache(t, nil)
	ap := aggregateAt("BTC/USD", *now, 30000)

	c.Set(feed("BTC/USD"), ap)
	got, ok := c.Get(feed("BTC/USD"))
	require.True(t, ok)
	assert.Equal(t, ap, got)
}

func TestGetMissesExactlyAtFreshnessBoundary(t *testing.T) {
	c, now := testCache(t, func(cfg *config.CacheConfig) {
		// TTL must not expire before the freshness check fires.
		cfg.TTL = time.Second
		cfg.FreshThreshold = 2 * time.Second
	})
	base := *now
	c.Set(feed("BTC/USD"), aggregateAt("BTC/USD", base, 30000))

	// Entry written now but with a data timestamp 2s in the past: the
	// strict boundary check rejects it even though TTL is fine.
	*now = base.Add(500 * time.Millisecond)
	c.Set(feed("ETH/USD"), aggregateAt("ETH/USD", base.Add(500*time.Millisecond-2*time.Second), 2000))
	_, ok := c.Get(feed("ETH/USD"))
	assert.False(t, ok, "age == freshThreshold is a miss")

	// Just inside the boundary is a hit.
	_, ok = c.Get(feed("BTC/USD"))
	assert.True(t, ok)
}

func TestGetMissesAfterTTL(t *testing.T) {
	c, now := testCache(t, nil)
	base := *now
	c.Set(feed("BTC/USD"), aggregateAt("BTC/USD", base, 30000))

	*now = base.Add(1100 * time.Millisecond)
	_, ok := c.Get(feed("BTC/USD"))
	assert.False(t, ok, "TTL expired")
}

func TestSetRejectsOlderTimestamp(t *testing.T) {
	c, now := testCache(t, nil)
	newer := aggregateAt("BTC/USD", *now, 30000)
	older := aggregateAt("BTC/USD", now.Add(-500*time.Millisecond), 29000)

	c.Set(feed("BTC/USD"), newer)
	c.Set(feed("BTC/USD"), older)

	got, ok := c.Get(feed("BTC/USD"))
	require.True(t, ok)
	assert.Equal(t, 30000.0, got.Price, "older write does not replace newer entry")
}

func TestInvalidateOnPriceUpdate(t *testing.T) {
	c, now := testCache(t, nil)
	c.Set(feed("BTC/USD"), aggregateAt("BTC/USD", now.Add(-200*time.Millisecond), 30000))

	c.InvalidateOnPriceUpdate(feed("BTC/USD"), now.UnixMilli())
	_, ok := c.Get(feed("BTC/USD"))
	assert.False(t, ok, "entry older than the new aggregate is dropped")
}

func TestEvictionSparesFreshEntries(t *testing.T) {
	c, now := testCache(t, func(cfg *config.CacheConfig) {
		cfg.MaxEntries = 10
		cfg.EvictFraction = 0.5
	})
	base := *now

	// Five stale entries (old data timestamps), accessed long ago.
	for i := 0; i < 5; i++ {
		name := "STALE" + string(rune('A'+i)) + "/USD"
		c.Set(feed(name), aggregateAt(name, base.Add(-10*time.Second), 100))
	}
	// Five fresh entries.
	*now = base.Add(time.Millisecond)
	for i := 0; i < 5; i++ {
		name := "FRESH" + string(rune('A'+i)) + "/USD"
		c.Set(feed(name), aggregateAt(name, *now, 100))
	}

	// Trigger eviction with one more insert.
	c.Set(feed("NEW/USD"), aggregateAt("NEW/USD", *now, 100))

	for i := 0; i < 5; i++ {
		name := "FRESH" + string(rune('A'+i)) + "/USD"
		got, ok := c.Get(feed(name))
		require.True(t, ok, "fresh entry %s survives eviction", name)
		assert.Equal(t, 100.0, got.Price)
	}
	stats := c.Stats()
	assert.Greater(t, stats.Evictions, int64(0))
}

func TestTopAccessedRanksByFrequency(t *testing.T) {
	c, _ := testCache(t, nil)
	for i := 0; i < 5; i++ {
		c.Get(feed("HOT/USD"))
	}
	c.Get(feed("WARM/USD"))

	ranks := c.TopAccessed(2)
	require.Len(t, ranks, 2)
	assert.Equal(t, feed("HOT/USD"), ranks[0].Feed)
	assert.Equal(t, int64(5), ranks[0].Count)
}

func TestWarmerRefreshesStaleFeeds(t *testing.T) {
	c, now := testCache(t, nil)
	cfg := config.DefaultConfig().Cache.Warmer
	cfg.AggressiveInterval = 10 * time.Millisecond
	cfg.PredictiveInterval = time.Hour
	cfg.MaintenanceInterval = time.Hour

	var mu sync.Mutex
	fetched := map[string]int{}
	fetch := func(_ context.Context, id models.FeedID) (models.AggregatedPrice, bool) {
		mu.Lock()
		fetched[id.Name]++
		mu.Unlock()
		return aggregateAt(id.Name, *now, 30000), true
	}

	w := NewWarmer(cfg, c, fetch, func() []models.FeedID { return []models.FeedID{feed("BTC/USD")} }, zerolog.Nop())

	// Make the feed hot; nothing cached yet, so it needs warming.
	for i := 0; i < 3; i++ {
		c.Get(feed("BTC/USD"))
	}

	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fetched["BTC/USD"] > 0
	}, time.Second, 10*time.Millisecond, "warmer fetches the hot stale feed")

	assert.Eventually(t, func() bool {
		_, ok := c.Get(feed("BTC/USD"))
		return ok
	}, time.Second, 10*time.Millisecond, "warmed aggregate lands in the cache")
}
