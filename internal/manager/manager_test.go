package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/aggregate"
	"github.com/pulsefeed/pulsefeed/internal/breaker"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/exchange"
	"github.com/pulsefeed/pulsefeed/internal/models"
	"github.com/pulsefeed/pulsefeed/internal/pipe"
	"github.com/pulsefeed/pulsefeed/internal/validate"
)

// fakeAdapter is a minimal in-memory Adapter for registry tests.
type fakeAdapter struct {
	name string
	mu   sync.Mutex
	st   models.ConnectionState
	subs map[string]bool
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, st: models.StateConnected, subs: map[string]bool{}}
}

func (f *fakeAdapter) ExchangeName() string              { return f.name }
func (f *fakeAdapter) Category() models.Category         { return models.CategoryCrypto }
func (f *fakeAdapter) Capabilities() models.Capabilities { return models.Capabilities{SupportsStream: true} }
func (f *fakeAdapter) Tier() models.Tier                 { return models.TierNative }

func (f *fakeAdapter) Connect(context.Context) error { return nil }
func (f *fakeAdapter) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st = models.StateDisconnected
}
func (f *fakeAdapter) Terminate() { f.Disconnect() }
func (f *fakeAdapter) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeAdapter) Subscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.subs[s] = true
	}
	return nil
}

func (f *fakeAdapter) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subs, s)
	}
	return nil
}

func (f *fakeAdapter) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	return out
}

func (f *fakeAdapter) FetchTickerREST(context.Context, string) (models.PriceUpdate, error) {
	return models.PriceUpdate{}, errs.NewSourceError(errs.CodeExchange, f.name, "rest", "not implemented", nil)
}
func (f *fakeAdapter) HealthCheck(context.Context) bool { return f.State() == models.StateConnected }
func (f *fakeAdapter) ToExchange(symbol string) string  { return symbol }
func (f *fakeAdapter) Normalize(symbol string) string   { return symbol }
func (f *fakeAdapter) Backoff() *exchange.Backoff {
	return exchange.NewBackoff(time.Millisecond, 10*time.Millisecond, 3)
}

// recordingListener collects lifecycle signals for assertions.
type recordingListener struct {
	mu        sync.Mutex
	unhealthy []string
	recovered []string
	errors    []string
}

func (r *recordingListener) SourceUnhealthy(source string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhealthy = append(r.unhealthy, source)
}

func (r *recordingListener) SourceRecovered(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered = append(r.recovered, source)
}

func (r *recordingListener) SourceError(source string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, source)
}

func (r *recordingListener) unhealthyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unhealthy)
}

func (r *recordingListener) recoveredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recovered)
}

type harness struct {
	mgr      *Manager
	agg      *aggregate.Aggregator
	breakers *breaker.Manager
	updates  *pipe.UpdateQueue
	events   *exchange.Events
	listener *recordingListener
	cfg      *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold:       cfg.Breaker.FailureThreshold,
		SuccessThreshold:       cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:        cfg.Breaker.RecoveryTimeout,
		RateLimitCooldown:      cfg.Breaker.RateLimitCooldown,
		RateLimitBackoffFactor: cfg.Breaker.RateLimitBackoffFactor,
		RateLimitMaxCooldown:   cfg.Breaker.RateLimitMaxCooldown,
	}, nil)
	agg := aggregate.New(cfg.Aggregation, breakers, aggregate.SourceWeights{
		Reliability: cfg.ReliabilityFor,
		Tier:        func(string) models.Tier { return models.TierNative },
	}, nil, nil, zerolog.Nop())
	validator := validate.New(cfg.Validation, zerolog.Nop())
	updates := pipe.NewUpdateQueue(1024)
	events := exchange.NewEvents(64)

	mgr := New(cfg, breakers, validator, agg, updates, events, zerolog.Nop())
	listener := &recordingListener{}
	mgr.AddListener(listener)
	return &harness{
		mgr:      mgr,
		agg:      agg,
		breakers: breakers,
		updates:  updates,
		events:   events,
		listener: listener,
		cfg:      cfg,
	}
}

func btcFeed() models.FeedID {
	return models.FeedID{Category: models.CategoryCrypto, Name: "BTC/USD"}
}

func (h *harness) installFeed(t *testing.T, exchanges ...string) {
	t.Helper()
	var sources []config.FeedSource
	for _, name := range exchanges {
		h.mgr.AddDataSource(newFakeAdapter(name))
		sources = append(sources, config.FeedSource{Exchange: name, Symbol: "BTC/USD"})
	}
	h.mgr.SetFeed(btcFeed(), sources)
	require.NoError(t, h.mgr.SubscribeToFeed(btcFeed()))
}

func update(source string, price float64) models.PriceUpdate {
	return models.PriceUpdate{
		Symbol:     "BTC/USD",
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Source:     source,
		Volume:     12,
		Confidence: 0.95,
	}
}

func TestAddDataSourceIdempotent(t *testing.T) {
	h := newHarness(t)
	a := newFakeAdapter("binance")
	h.mgr.AddDataSource(a)
	h.mgr.AddDataSource(newFakeAdapter("binance"))

	got, ok := h.mgr.Source("binance")
	require.True(t, ok)
	assert.Same(t, a, got, "first registration wins")
}

func TestRemoveDataSourceDisconnects(t *testing.T) {
	h := newHarness(t)
	a := newFakeAdapter("binance")
	h.mgr.AddDataSource(a)
	h.mgr.RemoveDataSource("binance")
	h.mgr.RemoveDataSource("binance")

	_, ok := h.mgr.Source("binance")
	assert.False(t, ok)
	assert.Equal(t, models.StateDisconnected, a.State())
}

func TestSubscribeToFeedFansOut(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	for _, name := range []string{"binance", "kraken", "okx"} {
		a, ok := h.mgr.Source(name)
		require.True(t, ok)
		assert.Contains(t, a.Subscriptions(), "BTC/USD")
	}
	assert.Contains(t, h.agg.Feeds(), btcFeed())
}

func TestSubscribeToFeedUnknownFeed(t *testing.T) {
	h := newHarness(t)
	err := h.mgr.SubscribeToFeed(btcFeed())
	assert.True(t, errs.IsNotFound(err))
}

func TestUnsubscribeFromFeedRemovesEverything(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	require.NoError(t, h.mgr.UnsubscribeFromFeed(btcFeed()))

	for _, name := range []string{"binance", "kraken", "okx"} {
		a, _ := h.mgr.Source(name)
		assert.Empty(t, a.Subscriptions())
	}
	assert.NotContains(t, h.agg.Feeds(), btcFeed())
}

func TestValidUpdateReachesAggregator(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	h.mgr.handleUpdate(update("binance", 30000))
	h.mgr.handleUpdate(update("kraken", 30010))
	h.mgr.handleUpdate(update("okx", 30005))

	got, ok := h.agg.Latest(btcFeed())
	require.True(t, ok)
	assert.InDelta(t, 30005, got.Price, 1)
}

func TestCriticalRejectionDoesNotReachAggregator(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	bad := update("binance", -1)
	h.mgr.handleUpdate(bad)

	assert.Empty(t, h.agg.History(btcFeed()))
	h.listener.mu.Lock()
	defer h.listener.mu.Unlock()
	assert.Equal(t, []string{"binance"}, h.listener.errors)
}

func TestUpdateForUnknownFeedDropped(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	u := update("binance", 30000)
	u.Symbol = "DOGE/USD"
	h.mgr.handleUpdate(u)

	assert.Empty(t, h.agg.History(btcFeed()))
}

func TestErrorsDrainBeforeUpdates(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	// Enough failures to open binance's circuit, queued ahead of a binance
	// update. The run loop must observe every failure before the update, so
	// the update never reaches the aggregator.
	for i := 0; i < h.cfg.Breaker.FailureThreshold; i++ {
		h.events.Errors <- errs.NewSourceError(errs.CodeConnection, "binance", "stream", "reset", nil)
	}
	h.updates.Push(update("binance", 30000))

	h.mgr.Start()
	defer h.mgr.Stop()

	assert.Eventually(t, func() bool {
		return h.breakers.StateFor("binance") == breaker.StateOpen
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.updates.Len() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.agg.History(btcFeed()), "update behind the breaker trip is dropped")
}

func TestErrorMarksUnhealthyThenUpdateRecovers(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	h.mgr.handleError(errs.NewSourceError(errs.CodeConnection, "binance", "stream", "reset", nil))
	assert.Equal(t, 1, h.listener.unhealthyCount())

	h.mgr.handleUpdate(update("binance", 30000))
	assert.Equal(t, 1, h.listener.recoveredCount())

	var snap SourceSnapshot
	for _, s := range h.mgr.GetConnectedSources() {
		if s.Name == "binance" {
			snap = s
		}
	}
	assert.Equal(t, models.SourceRecovered, snap.Health.Status)
	assert.Equal(t, int64(1), snap.Health.ErrorCount)
	assert.Equal(t, int64(1), snap.Health.RecoveryCount)
}

func TestRateLimitErrorDoesNotMarkUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	h.mgr.handleError(errs.NewSourceError(errs.CodeRateLimit, "binance", "rest", "429", nil))

	assert.Zero(t, h.listener.unhealthyCount())
	assert.False(t, h.breakers.AdmitsData("binance"), "rate limit cooldown still masks the source")
}

func TestStateChangeToReconnectingMarksUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	h.mgr.handleStateChange(models.StateChange{
		Source: "binance",
		From:   models.StateConnected,
		To:     models.StateReconnecting,
		At:     time.Now(),
	})

	assert.Equal(t, 1, h.listener.unhealthyCount())
	// Repeated transitions do not re-signal.
	h.mgr.handleStateChange(models.StateChange{
		Source: "binance",
		From:   models.StateReconnecting,
		To:     models.StateDisconnected,
		At:     time.Now(),
	})
	assert.Equal(t, 1, h.listener.unhealthyCount())
}

func TestGetConnectionHealth(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")

	health := h.mgr.GetConnectionHealth()
	assert.Equal(t, 3, health.TotalSources)
	assert.Equal(t, 3, health.ConnectedCount)
	assert.Equal(t, 100.0, health.HealthScore)

	a, _ := h.mgr.Source("binance")
	a.Disconnect()
	h.mgr.handleError(errs.NewSourceError(errs.CodeConnection, "binance", "stream", "reset", nil))

	health = h.mgr.GetConnectionHealth()
	assert.Equal(t, 2, health.ConnectedCount)
	assert.Equal(t, []string{"binance"}, health.UnhealthyIDs)
	assert.InDelta(t, 2.0/3*100-5, health.HealthScore, 0.01)
}

func TestSubscribeSourcePromotesBackup(t *testing.T) {
	h := newHarness(t)
	h.installFeed(t, "binance", "kraken", "okx")
	h.mgr.AddDataSource(newFakeAdapter("coinbase"))

	require.NoError(t, h.mgr.SubscribeSource(btcFeed(), "coinbase"))

	a, _ := h.mgr.Source("coinbase")
	assert.Contains(t, a.Subscriptions(), "BTC/USD")

	// The promoted source's updates now resolve to the feed.
	h.mgr.handleUpdate(update("binance", 30000))
	h.mgr.handleUpdate(update("kraken", 30010))
	h.mgr.handleUpdate(update("coinbase", 30005))
	_, ok := h.agg.Latest(btcFeed())
	assert.True(t, ok)
}
