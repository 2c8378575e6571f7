package cache

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// FetchFn asks the aggregator to recompute one feed. It must be cheap and
// non-blocking beyond the context deadline.
type FetchFn func(ctx context.Context, id models.FeedID) (models.AggregatedPrice, bool)

// Warmer refreshes the most-accessed feeds whose cache entry is absent or
// stale. Three cadences run concurrently: aggressive for the hottest
// feeds, predictive for the broader ranked set, maintenance as a slow
// sweep over everything registered.
type Warmer struct {
	cfg    config.WarmerConfig
	cache  *Cache
	fetch  FetchFn
	feeds  func() []models.FeedID
	logger zerolog.Logger

	sem    chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWarmer creates the warming task. feeds enumerates the registered
// feeds for the maintenance sweep.
func NewWarmer(cfg config.WarmerConfig, c *Cache, fetch FetchFn, feeds func() []models.FeedID, logger zerolog.Logger) *Warmer {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Warmer{
		cfg:    cfg,
		cache:  c,
		fetch:  fetch,
		feeds:  feeds,
		logger: logger.With().Str("component", "warmer").Logger(),
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Start launches the warming loops.
func (w *Warmer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{}, 3)

	go w.loop(ctx, w.cfg.AggressiveInterval, func() { w.warmTop(ctx, w.cfg.TopN/5+1) })
	go w.loop(ctx, w.cfg.PredictiveInterval, func() { w.warmTop(ctx, w.cfg.TopN) })
	go w.loop(ctx, w.cfg.MaintenanceInterval, func() { w.warmAll(ctx) })
}

// Stop cancels the warming loops and waits for them to exit.
func (w *Warmer) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	for i := 0; i < 3; i++ {
		<-w.done
	}
}

func (w *Warmer) loop(ctx context.Context, interval time.Duration, pass func()) {
	defer func() { w.done <- struct{}{} }()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass()
		}
	}
}

// warmTop refreshes the highest-ranked stale feeds. Ranking blends access
// frequency, recency and configured priority.
func (w *Warmer) warmTop(ctx context.Context, n int) {
	ranks := w.cache.TopAccessed(n * 2)
	now := time.Now()

	type scored struct {
		id    models.FeedID
		score float64
	}
	var stale []scored
	for _, r := range ranks {
		if !w.cache.NeedsWarming(r.Feed) {
			continue
		}
		score := float64(r.Count)
		if age := now.Sub(r.LastAccess); age < time.Minute {
			score *= 2 - age.Seconds()/60
		}
		if p, ok := w.cfg.Priorities[r.Feed.Name]; ok {
			score *= p
		}
		stale = append(stale, scored{id: r.Feed, score: score})
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].score > stale[j].score })
	if len(stale) > n {
		stale = stale[:n]
	}

	for _, s := range stale {
		w.warmOne(ctx, s.id)
	}
}

// warmAll sweeps every registered feed, refreshing any stale entry.
func (w *Warmer) warmAll(ctx context.Context) {
	for _, id := range w.feeds() {
		if w.cache.NeedsWarming(id) {
			w.warmOne(ctx, id)
		}
	}
}

// warmOne refreshes a single feed without ever blocking a reader: the
// concurrency semaphore bounds load, and when the aggregator is saturated
// the attempt is skipped rather than queued.
func (w *Warmer) warmOne(ctx context.Context, id models.FeedID) {
	select {
	case w.sem <- struct{}{}:
	default:
		// Saturated; back off until the next cadence tick.
		return
	}
	go func() {
		defer func() { <-w.sem }()
		fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
		ap, ok := w.fetch(fetchCtx, id)
		if !ok {
			return
		}
		w.cache.Set(id, ap)
		w.logger.Debug().Str("feed", id.String()).Msg("warmed feed")
	}()
}
