package aggregate

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Gate decides whether a source currently contributes to aggregation. The
// circuit breaker manager satisfies it: open circuits and rate-limit
// cooldowns mask a source's data without unsubscribing the adapter.
type Gate interface {
	AdmitsData(source string) bool
}

// SourceWeights resolves the static weighting inputs per source.
type SourceWeights struct {
	// Reliability returns the configured per-exchange constant in
	// [0.5, 1.0].
	Reliability func(source string) float64
	// Tier reports the integration depth for the tier multiplier.
	Tier func(source string) models.Tier
}

// EmitFn receives each published aggregate.
type EmitFn func(models.AggregatedPrice)

// ErrorFn receives aggregation failures; they are health-bus events, not
// caller-visible errors.
type ErrorFn func(*errs.AggregationError)

// Aggregator owns every feed's rolling buffer and recomputes the weighted
// median on each accepted update. It is single-writer: Ingest runs on the
// pipeline goroutine, and the internal lock only shields snapshot reads
// from other goroutines.
type Aggregator struct {
	cfg     config.AggregationConfig
	gate    Gate
	weights SourceWeights
	onEmit  EmitFn
	onError ErrorFn
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	feeds map[models.FeedID]*feedState

	successes int64
	failures  int64
	lastError string
}

type feedState struct {
	buffer     *rollingBuffer
	minSources int

	last    models.AggregatedPrice
	hasLast bool

	lastEmitAt    time.Time
	lastEmitPrice float64
	emitted       bool
}

// New creates the aggregator.
func New(cfg config.AggregationConfig, gate Gate, weights SourceWeights, onEmit EmitFn, onError ErrorFn, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		gate:    gate,
		weights: weights,
		onEmit:  onEmit,
		onError: onError,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		now:     time.Now,
		feeds:   make(map[models.FeedID]*feedState),
	}
}

// RegisterFeed prepares aggregation state for a feed. Idempotent.
func (a *Aggregator) RegisterFeed(id models.FeedID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.feeds[id]; ok {
		return
	}
	a.feeds[id] = &feedState{
		buffer:     newRollingBuffer(a.cfg.HistorySize, a.cfg.MaxStaleness),
		minSources: a.cfg.MinSourcesFor(id.Category),
	}
}

// RemoveFeed destroys a feed's buffer and last aggregate.
func (a *Aggregator) RemoveFeed(id models.FeedID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.feeds, id)
}

// Feeds snapshots the registered feed ids.
func (a *Aggregator) Feeds() []models.FeedID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.FeedID, 0, len(a.feeds))
	for id := range a.feeds {
		out = append(out, id)
	}
	return out
}

// Ingest buffers one validated update and recomputes the feed. Unknown
// feeds are dropped; the data manager resolves feed membership before
// calling.
func (a *Aggregator) Ingest(id models.FeedID, u models.PriceUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fs, ok := a.feeds[id]
	if !ok {
		return
	}
	now := a.now()
	fs.buffer.add(u, now)
	a.recomputeLocked(id, fs, now)
}

// Recompute re-runs aggregation for a feed against the current buffer
// contents. The warmer uses it to refresh feeds whose cache entry went
// stale between updates.
func (a *Aggregator) Recompute(id models.FeedID) (models.AggregatedPrice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fs, ok := a.feeds[id]
	if !ok {
		return models.AggregatedPrice{}, false
	}
	a.recomputeLocked(id, fs, a.now())
	return fs.last, fs.hasLast
}

// recomputeLocked applies eligibility, weighting and the emission policy.
func (a *Aggregator) recomputeLocked(id models.FeedID, fs *feedState, now time.Time) {
	latest := fs.buffer.latestPerSource(now)

	eligible := make([]models.PriceUpdate, 0, len(latest))
	for source, u := range latest {
		if !a.gate.AdmitsData(source) {
			continue
		}
		eligible = append(eligible, u)
	}
	// Map iteration order is random; aggregation must be deterministic.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Source < eligible[j].Source
	})

	if len(eligible) < fs.minSources {
		a.failures++
		aggErr := &errs.AggregationError{
			Code: errs.CodeInsufficientSources,
			Feed: id.String(),
			Have: len(eligible),
			Want: fs.minSources,
		}
		a.lastError = aggErr.Error()
		if a.onError != nil {
			a.onError(aggErr)
		}
		return
	}

	nowMS := now.UnixMilli()
	points := make([]weightedPoint, len(eligible))
	prices := make([]float64, len(eligible))
	sources := make([]string, len(eligible))
	var maxTS int64
	var weightSum, confSum float64
	for i, u := range eligible {
		age := float64(nowMS - u.Timestamp)
		if age < 0 {
			age = 0
		}
		w := a.weights.Reliability(u.Source) *
			a.tierMultiplier(u.Source) *
			math.Exp(-a.cfg.MedianDecay*age) *
			u.Confidence
		points[i] = weightedPoint{price: u.Price, weight: w}
		prices[i] = u.Price
		sources[i] = u.Source
		weightSum += w
		confSum += w * u.Confidence
		if u.Timestamp > maxTS {
			maxTS = u.Timestamp
		}
	}

	median, ok := weightedMedian(points)
	if !ok {
		a.failures++
		a.lastError = "zero aggregate weight for " + id.String()
		return
	}

	confidence := 0.0
	if weightSum > 0 {
		confidence = confSum / weightSum
	}
	confidence *= sourceCountFactor(len(eligible))

	consensus := 1.0
	if median > 0 {
		consensus = 1 - interquartileRange(prices)/median
	}
	consensus = clamp01(consensus)

	// Emission timestamps are monotonic per feed even if the newest
	// contributor aged out between computations.
	if fs.hasLast && maxTS < fs.last.Timestamp {
		maxTS = fs.last.Timestamp
	}

	out := models.AggregatedPrice{
		Feed:           id,
		Symbol:         id.Name,
		Price:          median,
		Timestamp:      maxTS,
		Sources:        sources,
		Confidence:     clamp01(confidence),
		ConsensusScore: consensus,
	}

	fs.last = out
	fs.hasLast = true
	a.successes++

	// Emit when the price moved more than 1 ULP or the emit interval
	// elapsed; this keeps the cache warm without flooding it.
	moved := !fs.emitted || math.Abs(out.Price-fs.lastEmitPrice) > ulp(fs.lastEmitPrice)
	due := !fs.emitted || now.Sub(fs.lastEmitAt) >= a.cfg.EmitInterval
	if !moved && !due {
		return
	}
	fs.emitted = true
	fs.lastEmitAt = now
	fs.lastEmitPrice = out.Price
	if a.onEmit != nil {
		a.onEmit(out)
	}
}

func (a *Aggregator) tierMultiplier(source string) float64 {
	if a.weights.Tier != nil && a.weights.Tier(source) == models.TierBridge {
		if a.cfg.BridgeTierMultiplier > 0 {
			return a.cfg.BridgeTierMultiplier
		}
		return 1.0
	}
	if a.cfg.NativeTierMultiplier > 0 {
		return a.cfg.NativeTierMultiplier
	}
	return 1.0
}

// sourceCountFactor discounts confidence when few sources contribute:
// full weight from three sources up, ×0.9 at two, ×0.8 at one.
func sourceCountFactor(n int) float64 {
	f := 0.7 + 0.1*float64(n)
	if f > 1 {
		return 1
	}
	return f
}

// Eligibility reports how many sources currently qualify for a feed
// against the required minimum. The orchestrator uses it to shape
// Degraded failures.
func (a *Aggregator) Eligibility(id models.FeedID) (have, want int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fs, ok := a.feeds[id]
	if !ok {
		return 0, 0
	}
	now := a.now()
	for source := range fs.buffer.latestPerSource(now) {
		if a.gate.AdmitsData(source) {
			have++
		}
	}
	return have, fs.minSources
}

// Latest returns the last computed aggregate for a feed.
func (a *Aggregator) Latest(id models.FeedID) (models.AggregatedPrice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fs, ok := a.feeds[id]
	if !ok || !fs.hasLast {
		return models.AggregatedPrice{}, false
	}
	return fs.last, true
}

// History returns the feed's buffered prices oldest-first, for the
// validator's statistical tier.
func (a *Aggregator) History(id models.FeedID) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	fs, ok := a.feeds[id]
	if !ok {
		return nil
	}
	return fs.buffer.prices()
}

// CrossSource returns the newest update per source within the window, for
// the validator's cross-source tier.
func (a *Aggregator) CrossSource(id models.FeedID, window time.Duration) []models.PriceUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	fs, ok := a.feeds[id]
	if !ok {
		return nil
	}
	return fs.buffer.latestWithin(a.now(), window)
}

// Consensus returns the last published price for a feed, 0 when none.
func (a *Aggregator) Consensus(id models.FeedID) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	fs, ok := a.feeds[id]
	if !ok || !fs.hasLast {
		return 0
	}
	return fs.last.Price
}

// Stats reports aggregation outcomes for the health surface.
type Stats struct {
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Stats snapshots aggregation counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Successes: a.successes, Failures: a.failures, LastError: a.lastError}
}

// SuccessRate returns successes / attempts in [0,1]; 1 when idle.
func (a *Aggregator) SuccessRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.successes + a.failures
	if total == 0 {
		return 1
	}
	return float64(a.successes) / float64(total)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
