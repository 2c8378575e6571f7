// Package manager implements the data-source registry and the pipeline
// fan-out: every update from any adapter passes through the circuit
// breaker gate and the validator here before it reaches the aggregator,
// and every adapter error is classified, counted and escalated here.
package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/aggregate"
	"github.com/pulsefeed/pulsefeed/internal/breaker"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/exchange"
	"github.com/pulsefeed/pulsefeed/internal/models"
	"github.com/pulsefeed/pulsefeed/internal/pipe"
	"github.com/pulsefeed/pulsefeed/internal/validate"
)

// Listener observes source lifecycle signals. The failover coordinator
// and the health bus both register; the manager guarantees that an
// unhealthy signal is delivered before any later update from the same
// source is forwarded downstream.
type Listener interface {
	SourceUnhealthy(source string, err error)
	SourceRecovered(source string)
	SourceError(source string, err error)
}

// sourceState is the registry record for one adapter.
type sourceState struct {
	adapter exchange.Adapter
	health  models.SourceHealth
	// latencyMS is an EWMA of update age at arrival, the registry's
	// latency estimate for the source.
	latencyMS float64
}

// Manager owns the registry and runs the fan-out loop.
type Manager struct {
	cfg       *config.Config
	breakers  *breaker.Manager
	validator *validate.Validator
	agg       *aggregate.Aggregator
	updates   *pipe.UpdateQueue
	events    *exchange.Events
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	sources   map[string]*sourceState
	feeds     map[models.FeedID][]config.FeedSource
	feedIndex map[string]feedRef // source|canonical-pair -> feed binding
	listeners []Listener
	onUpdate  func(models.PriceUpdate)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the manager. The update queue and event channels are shared
// with every adapter at construction time.
func New(cfg *config.Config, breakers *breaker.Manager, validator *validate.Validator, agg *aggregate.Aggregator, updates *pipe.UpdateQueue, events *exchange.Events, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		breakers:  breakers,
		validator: validator,
		agg:       agg,
		updates:   updates,
		events:    events,
		logger:    logger.With().Str("component", "manager").Logger(),
		now:       time.Now,
		sources:   make(map[string]*sourceState),
		feeds:     make(map[models.FeedID][]config.FeedSource),
		feedIndex: make(map[string]feedRef),
	}
}

// AddListener registers a lifecycle listener. Call before Start.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetUpdateHook installs a callback invoked for every update entering the
// fan-out, before gating. Call before Start.
func (m *Manager) SetUpdateHook(fn func(models.PriceUpdate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// AddDataSource registers an adapter. Idempotent.
func (m *Manager) AddDataSource(a exchange.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := a.ExchangeName()
	if _, ok := m.sources[name]; ok {
		return
	}
	m.sources[name] = &sourceState{
		adapter: a,
		health:  models.SourceHealth{Status: models.SourceHealthy},
	}
}

// RemoveDataSource unregisters an adapter and disconnects it. Idempotent.
func (m *Manager) RemoveDataSource(id string) {
	m.mu.Lock()
	s, ok := m.sources[id]
	if ok {
		delete(m.sources, id)
	}
	for key := range m.feedIndex {
		if strings.HasPrefix(key, id+"|") {
			delete(m.feedIndex, key)
		}
	}
	m.mu.Unlock()
	if ok {
		s.adapter.Disconnect()
		m.breakers.Remove(id)
	}
}

// Source returns the adapter registered under id.
func (m *Manager) Source(id string) (exchange.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, false
	}
	return s.adapter, true
}

// SubscribeToFeed resolves the feed's source list and subscribes each
// registered adapter. The feed must have been installed with SetFeed.
func (m *Manager) SubscribeToFeed(id models.FeedID) error {
	m.mu.RLock()
	sources, ok := m.feeds[id]
	m.mu.RUnlock()
	if !ok {
		return errs.NotFound(id.String())
	}

	m.agg.RegisterFeed(id)
	for _, src := range sources {
		if err := m.subscribeSource(id, src); err != nil {
			m.logger.Warn().Err(err).
				Str("feed", id.String()).
				Str("exchange", src.Exchange).
				Msg("source subscription failed")
		}
	}
	return nil
}

// SubscribeSource subscribes one additional source to a feed; the
// failover coordinator uses it for backup promotion.
func (m *Manager) SubscribeSource(id models.FeedID, exchangeName string) error {
	m.mu.RLock()
	s, ok := m.sources[exchangeName]
	m.mu.RUnlock()
	if !ok {
		return errs.NotFound(exchangeName)
	}
	symbol := s.adapter.ToExchange(id.Name)
	return m.subscribeSource(id, config.FeedSource{Exchange: exchangeName, Symbol: symbol})
}

// UnsubscribeSource removes one source's subscription to a feed; the
// failover coordinator uses it for backup demotion.
func (m *Manager) UnsubscribeSource(id models.FeedID, exchangeName string) error {
	m.mu.Lock()
	s, ok := m.sources[exchangeName]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound(exchangeName)
	}
	var canonical string
	found := false
	for key, ref := range m.feedIndex {
		if ref.feed != id || !strings.HasPrefix(key, exchangeName+"|") {
			continue
		}
		delete(m.feedIndex, key)
		canonical = ref.symbol
		found = true
		break
	}
	m.mu.Unlock()

	if !found {
		return nil
	}
	return s.adapter.Unsubscribe([]string{canonical})
}

func (m *Manager) subscribeSource(id models.FeedID, src config.FeedSource) error {
	m.mu.Lock()
	s, ok := m.sources[src.Exchange]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound(src.Exchange)
	}
	canonical := s.adapter.Normalize(src.Symbol)
	m.feedIndex[indexKey(src.Exchange, canonical)] = feedRef{feed: id, symbol: canonical}
	m.mu.Unlock()

	return s.adapter.Subscribe([]string{canonical})
}

// UnsubscribeFromFeed removes all of a feed's subscriptions and destroys
// its aggregation buffer.
func (m *Manager) UnsubscribeFromFeed(id models.FeedID) error {
	m.mu.Lock()
	var work []func() error
	for key, ref := range m.feedIndex {
		if ref.feed != id {
			continue
		}
		delete(m.feedIndex, key)
		source := strings.SplitN(key, "|", 2)[0]
		if s, ok := m.sources[source]; ok {
			canonical := ref.symbol
			adapter := s.adapter
			work = append(work, func() error { return adapter.Unsubscribe([]string{canonical}) })
		}
	}
	m.mu.Unlock()

	for _, fn := range work {
		if err := fn(); err != nil {
			m.logger.Warn().Err(err).Str("feed", id.String()).Msg("unsubscribe failed")
		}
	}
	m.agg.RemoveFeed(id)
	return nil
}

// SetFeed installs or replaces a feed's source list.
func (m *Manager) SetFeed(id models.FeedID, sources []config.FeedSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[id] = sources
}

// RemoveFeed drops a feed definition.
func (m *Manager) RemoveFeed(id models.FeedID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds, id)
}

// Feeds snapshots the installed feed definitions.
func (m *Manager) Feeds() map[models.FeedID][]config.FeedSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.FeedID][]config.FeedSource, len(m.feeds))
	for id, sources := range m.feeds {
		out[id] = sources
	}
	return out
}

// HasFeed reports whether a feed is installed.
func (m *Manager) HasFeed(id models.FeedID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.feeds[id]
	return ok
}

// PrimariesFor returns the configured source order for a feed.
func (m *Manager) PrimariesFor(id models.FeedID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, src := range m.feeds[id] {
		out = append(out, src.Exchange)
	}
	return out
}

// feedRef binds one (source, symbol) subscription to the feed it serves.
// symbol is the adapter-canonical form used for unsubscribes.
type feedRef struct {
	feed   models.FeedID
	symbol string
}

func indexKey(source, canonicalSymbol string) string {
	return source + "|" + config.CanonicalPair(canonicalSymbol)
}

// Start launches the fan-out loop.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop terminates the fan-out loop.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// run drains events and updates. Error and state events always drain
// before the next update so a breaker trip is observed before the update
// that would have slipped past it.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		if m.drainEvents() {
			continue
		}
		if u, ok := m.updates.Pop(); ok {
			m.handleUpdate(u)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.updates.Notify():
		case err := <-m.events.Errors:
			m.handleError(err)
		case sc := <-m.events.States:
			m.handleStateChange(sc)
		}
	}
}

// drainEvents empties the event channels, returning true when any event
// was handled.
func (m *Manager) drainEvents() bool {
	handled := false
	for {
		select {
		case err := <-m.events.Errors:
			m.handleError(err)
			handled = true
		case sc := <-m.events.States:
			m.handleStateChange(sc)
			handled = true
		default:
			return handled
		}
	}
}

// handleUpdate runs one update through the breaker gate and the validator
// before it reaches the aggregator.
func (m *Manager) handleUpdate(u models.PriceUpdate) {
	m.mu.RLock()
	hook := m.onUpdate
	m.mu.RUnlock()
	if hook != nil {
		hook(u)
	}

	feed, ok := m.resolveFeed(u)
	if !ok {
		m.logger.Debug().Str("source", u.Source).Str("symbol", u.Symbol).
			Msg("update for unknown feed dropped")
		return
	}

	b := m.breakers.Get(u.Source)
	if !b.Allow() {
		return
	}

	vc := validate.Context{
		History:     m.agg.History(feed),
		CrossSource: m.agg.CrossSource(feed, m.cfg.Validation.CrossSourceWindow),
		Consensus:   m.agg.Consensus(feed),
		Now:         m.now(),
	}
	result := m.validator.Validate(u, vc)

	if !result.Valid {
		// Critical rejection is a data error, not a transport failure: it
		// does not move the breaker but it does surface as a source event.
		var vErr error
		if len(result.Errors) > 0 {
			vErr = result.Errors[0]
		}
		m.eachListener(func(l Listener) { l.SourceError(u.Source, vErr) })
		return
	}

	b.RecordSuccess()
	m.markHealthy(u)
	m.agg.Ingest(feed, result.Update)
}

// resolveFeed maps (source, symbol) onto the feed it serves.
func (m *Manager) resolveFeed(u models.PriceUpdate) (models.FeedID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.feedIndex[indexKey(u.Source, u.Symbol)]
	return ref.feed, ok
}

// markHealthy bumps the source health record on a delivered update.
func (m *Manager) markHealthy(u models.PriceUpdate) {
	now := m.now()
	var recovered bool

	m.mu.Lock()
	if s, ok := m.sources[u.Source]; ok {
		if s.health.Status == models.SourceUnhealthy {
			s.health.Status = models.SourceRecovered
			s.health.RecoveryCount++
			recovered = true
		}
		s.health.LastUpdate = now
		age := float64(now.UnixMilli() - u.Timestamp)
		if age < 0 {
			age = 0
		}
		const alpha = 0.2
		if s.latencyMS == 0 {
			s.latencyMS = age
		} else {
			s.latencyMS = alpha*age + (1-alpha)*s.latencyMS
		}
	}
	m.mu.Unlock()

	if recovered {
		m.eachListener(func(l Listener) { l.SourceRecovered(u.Source) })
	}
}

// handleError classifies and escalates one adapter error.
func (m *Manager) handleError(err error) {
	se := errs.AsSourceError(err, "", "")
	source := se.Source
	code := se.Code

	m.breakers.Get(source).RecordFailure(code)

	var unhealthy bool
	m.mu.Lock()
	if s, ok := m.sources[source]; ok {
		s.health.ErrorCount++
		if code.CountsTowardBreaker() && s.health.Status != models.SourceUnhealthy {
			s.health.Status = models.SourceUnhealthy
			unhealthy = true
		}
	}
	m.mu.Unlock()

	m.logger.Warn().Err(se).Str("source", source).Str("code", string(code)).Msg("source error")
	m.eachListener(func(l Listener) { l.SourceError(source, se) })
	if unhealthy {
		m.eachListener(func(l Listener) { l.SourceUnhealthy(source, se) })
	}
}

// handleStateChange tracks adapter lifecycle transitions. A transition
// into Reconnecting marks the source unhealthy so failover can react
// before the breaker threshold is reached.
func (m *Manager) handleStateChange(sc models.StateChange) {
	m.logger.Info().
		Str("source", sc.Source).
		Str("from", sc.From.String()).
		Str("to", sc.To.String()).
		Msg("adapter state change")

	switch sc.To {
	case models.StateReconnecting, models.StateDisconnected:
		var unhealthy bool
		m.mu.Lock()
		if s, ok := m.sources[sc.Source]; ok && s.health.Status != models.SourceUnhealthy {
			s.health.Status = models.SourceUnhealthy
			unhealthy = true
		}
		m.mu.Unlock()
		if unhealthy {
			err := errs.NewSourceError(errs.CodeConnection, sc.Source, "stream", "stream lost", nil)
			m.eachListener(func(l Listener) { l.SourceUnhealthy(sc.Source, err) })
		}
	}
}

func (m *Manager) eachListener(fn func(Listener)) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

// ConnectionHealth is the registry's aggregate health view.
type ConnectionHealth struct {
	TotalSources   int      `json:"total_sources"`
	ConnectedCount int      `json:"connected_count"`
	MeanLatencyMS  float64  `json:"mean_latency_ms"`
	UnhealthyIDs   []string `json:"unhealthy_ids,omitempty"`
	HealthScore    float64  `json:"health_score"`
}

// GetConnectionHealth aggregates the registry: connected ratio scaled to
// 0-100, with a penalty per recently unhealthy source.
func (m *Manager) GetConnectionHealth() ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := ConnectionHealth{TotalSources: len(m.sources)}
	var latencySum float64
	var latencyCount int
	for name, s := range m.sources {
		if s.adapter.State() == models.StateConnected {
			h.ConnectedCount++
		}
		if s.health.Status == models.SourceUnhealthy {
			h.UnhealthyIDs = append(h.UnhealthyIDs, name)
		}
		if s.latencyMS > 0 {
			latencySum += s.latencyMS
			latencyCount++
		}
	}
	if latencyCount > 0 {
		h.MeanLatencyMS = latencySum / float64(latencyCount)
	}
	if h.TotalSources > 0 {
		h.HealthScore = float64(h.ConnectedCount) / float64(h.TotalSources) * 100
		h.HealthScore -= float64(len(h.UnhealthyIDs)) * 5
		if h.HealthScore < 0 {
			h.HealthScore = 0
		}
	}
	return h
}

// SourceSnapshot is one source's externally visible status.
type SourceSnapshot struct {
	Name          string              `json:"name"`
	Tier          models.Tier         `json:"tier"`
	State         string              `json:"state"`
	Health        models.SourceHealth `json:"health"`
	Circuit       string              `json:"circuit"`
	Subscriptions []string            `json:"subscriptions"`
	LatencyMS     float64             `json:"latency_ms"`
}

// GetConnectedSources snapshots every registered source.
func (m *Manager) GetConnectedSources() []SourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SourceSnapshot, 0, len(m.sources))
	for name, s := range m.sources {
		out = append(out, SourceSnapshot{
			Name:          name,
			Tier:          s.adapter.Tier(),
			State:         s.adapter.State().String(),
			Health:        s.health,
			Circuit:       m.breakers.StateFor(name).String(),
			Subscriptions: s.adapter.Subscriptions(),
			LatencyMS:     s.latencyMS,
		})
	}
	return out
}
