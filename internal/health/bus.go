package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
)

// Sink delivers alerts somewhere external. Delivery is best-effort; a
// failing sink never blocks or fails the bus.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

// Bus evaluates the configured alert rules against pipeline signals and
// fans the resulting alerts out to sinks through a single dispatch
// goroutine.
type Bus struct {
	cfg    config.HealthConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	sinks     []Sink
	lastFired map[string]time.Time // rule -> last emission
	hourly    []time.Time          // emission times within the last hour
	capped    bool                 // meta-alert already sent for this window
	recent    []Alert
	errors    map[string][]time.Time // source -> error times in window
	dropped   int64

	queue  chan Alert
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBus creates the bus. Sinks register before Start.
func NewBus(cfg config.HealthConfig, logger zerolog.Logger) *Bus {
	return &Bus{
		cfg:       cfg,
		logger:    logger.With().Str("component", "health").Logger(),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
		errors:    make(map[string][]time.Time),
		queue:     make(chan Alert, 256),
	}
}

// AddSink registers a delivery sink. Call before Start.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.dispatch(ctx)
}

// Stop drains nothing: pending queued alerts are dropped on shutdown.
func (b *Bus) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-b.queue:
			b.deliver(ctx, a)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, a Alert) {
	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()
	for _, s := range sinks {
		if err := s.Deliver(ctx, a); err != nil {
			b.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("rule", a.Rule).
				Msg("alert delivery failed")
		}
	}
}

// Raise emits one alert subject to the per-rule cooldown and the hourly
// cap. It never blocks; when the dispatch queue is full the alert is
// dropped and counted.
func (b *Bus) Raise(rule string, sev Severity, title, message, source, feed string) {
	now := b.now()

	b.mu.Lock()
	if last, ok := b.lastFired[rule]; ok && now.Sub(last) < b.cfg.AlertCooldown {
		b.mu.Unlock()
		return
	}

	// Roll the hourly window.
	cutoff := now.Add(-time.Hour)
	kept := b.hourly[:0]
	for _, t := range b.hourly {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.hourly = kept
	if len(b.hourly) == 0 {
		b.capped = false
	}

	if len(b.hourly) >= b.cfg.HourlyCap {
		sendMeta := !b.capped
		b.capped = true
		b.dropped++
		b.mu.Unlock()
		if sendMeta {
			b.enqueue(newAlert(RuleRateLimited, SeverityWarning,
				"alerts rate limited",
				fmt.Sprintf("hourly alert cap of %d reached, further alerts dropped", b.cfg.HourlyCap),
				"", "", now))
		}
		return
	}

	b.lastFired[rule] = now
	b.hourly = append(b.hourly, now)
	a := newAlert(rule, sev, title, message, source, feed, now)
	b.recent = append(b.recent, a)
	b.pruneRecentLocked(now)
	b.mu.Unlock()

	b.enqueue(a)
}

func (b *Bus) enqueue(a Alert) {
	select {
	case b.queue <- a:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

func (b *Bus) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Retention)
	kept := b.recent[:0]
	for _, a := range b.recent {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	b.recent = kept
}

// Recent returns the alerts emitted within the retention window, oldest
// first.
func (b *Bus) Recent() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneRecentLocked(b.now())
	return append([]Alert(nil), b.recent...)
}

// Dropped reports how many alerts were discarded by the cap or queue
// overflow.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// CheckConsensusDeviation evaluates a source's relative deviation from the
// published consensus.
func (b *Bus) CheckConsensusDeviation(source, feed string, deviation float64) {
	switch {
	case deviation > b.cfg.Rules.ConsensusDeviationCritical:
		b.Raise(RuleConsensusDeviation, SeverityCritical,
			"consensus deviation critical",
			fmt.Sprintf("source deviates %.2f%% from consensus", deviation*100),
			source, feed)
	case deviation > b.cfg.Rules.ConsensusDeviationError:
		b.Raise(RuleConsensusDeviation, SeverityError,
			"consensus deviation",
			fmt.Sprintf("source deviates %.2f%% from consensus", deviation*100),
			source, feed)
	}
}

// CheckConnectionRate evaluates the connected fraction of registered
// sources, in [0,1].
func (b *Bus) CheckConnectionRate(rate float64) {
	if rate < b.cfg.Rules.ConnectionRateMin {
		b.Raise(RuleConnectionRate, SeverityError,
			"connection rate low",
			fmt.Sprintf("%.0f%% of sources connected, need %.0f%%", rate*100, b.cfg.Rules.ConnectionRateMin*100),
			"", "")
	}
}

// CheckDataAge evaluates a feed's newest aggregate age.
func (b *Bus) CheckDataAge(feed string, age time.Duration) {
	if age > b.cfg.Rules.MaxDataAge {
		b.Raise(RuleDataAge, SeverityError,
			"data stale",
			fmt.Sprintf("newest aggregate is %s old", age),
			"", feed)
	}
}

// CheckQualityScore evaluates the composite quality score, 0-100.
func (b *Bus) CheckQualityScore(score float64) {
	if score < b.cfg.Rules.QualityScoreMin {
		b.Raise(RuleQualityScore, SeverityWarning,
			"quality score low",
			fmt.Sprintf("quality score %.1f below %.1f", score, b.cfg.Rules.QualityScoreMin),
			"", "")
	}
}

// RecordError folds one classified error into the per-source rolling
// window and raises the error-rate rule when the per-minute rate exceeds
// the threshold.
func (b *Bus) RecordError(source string, code errs.Code) {
	now := b.now()

	b.mu.Lock()
	cutoff := now.Add(-b.cfg.ErrorWindow)
	kept := b.errors[source][:0]
	for _, t := range b.errors[source] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.errors[source] = kept
	perMin := float64(len(kept)) / b.cfg.ErrorWindow.Minutes()
	b.mu.Unlock()

	if perMin > b.cfg.Rules.ErrorRatePerMin {
		b.Raise(RuleErrorRate, SeverityError,
			"error rate high",
			fmt.Sprintf("%.1f errors/min (%s) over the last %s", perMin, code, b.cfg.ErrorWindow),
			source, "")
	}
}

// ErrorRate returns a source's errors per minute over the rolling window.
func (b *Bus) ErrorRate(source string) float64 {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-b.cfg.ErrorWindow)
	n := 0
	for _, t := range b.errors[source] {
		if t.After(cutoff) {
			n++
		}
	}
	return float64(n) / b.cfg.ErrorWindow.Minutes()
}
