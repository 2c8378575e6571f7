// Package app wires the pipeline together: adapters feed the data
// manager, validated updates feed the aggregator, emissions land in the
// freshness cache, and lifecycle signals flow through the breaker,
// failover coordinator and health bus. The Provider is the single public
// entry point the HTTP interface and CLI talk to.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pulsefeed/pulsefeed/internal/aggregate"
	"github.com/pulsefeed/pulsefeed/internal/breaker"
	"github.com/pulsefeed/pulsefeed/internal/cache"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/exchange"
	"github.com/pulsefeed/pulsefeed/internal/failover"
	"github.com/pulsefeed/pulsefeed/internal/health"
	"github.com/pulsefeed/pulsefeed/internal/manager"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/models"
	"github.com/pulsefeed/pulsefeed/internal/pipe"
	"github.com/pulsefeed/pulsefeed/internal/validate"
)

// Provider is the orchestrator: it owns every pipeline component and
// exposes the public price API.
type Provider struct {
	cfg     *config.Config
	logger  zerolog.Logger
	now     func() time.Time
	metrics *metrics.Metrics

	breakers  *breaker.Manager
	validator *validate.Validator
	agg       *aggregate.Aggregator
	cache     *cache.Cache
	warmer    *cache.Warmer
	manager   *manager.Manager
	coord     *failover.Coordinator
	bus       *health.Bus
	rest      *exchange.RESTClient
	events    *exchange.Events
	updates   *pipe.UpdateQueue
	aggQueue  *pipe.AggregateQueue
	redis     redis.Cmdable
	audit     *health.AuditSink

	monitorInterval time.Duration

	mu       sync.Mutex
	started  bool
	requests int64
	failed   int64
	ewmaMS   float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds and wires the full pipeline from configuration and the
// parsed feed list. Nothing connects until Start.
func New(cfg *config.Config, feeds []config.FeedSpec, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{
		cfg:             cfg,
		logger:          logger.With().Str("component", "provider").Logger(),
		now:             time.Now,
		metrics:         metrics.New(),
		updates:         pipe.NewUpdateQueue(4096),
		aggQueue:        pipe.NewAggregateQueue(),
		events:          exchange.NewEvents(256),
		monitorInterval: 5 * time.Second,
	}

	p.breakers = breaker.NewManager(breaker.Config{
		FailureThreshold:       cfg.Breaker.FailureThreshold,
		SuccessThreshold:       cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:        cfg.Breaker.RecoveryTimeout,
		RateLimitCooldown:      cfg.Breaker.RateLimitCooldown,
		RateLimitBackoffFactor: cfg.Breaker.RateLimitBackoffFactor,
		RateLimitMaxCooldown:   cfg.Breaker.RateLimitMaxCooldown,
	}, func(source string, from, to breaker.State) {
		p.metrics.SetBreakerState(source, int(to))
		p.logger.Info().Str("source", source).
			Str("from", from.String()).Str("to", to.String()).
			Msg("circuit state change")
	})

	p.bus = health.NewBus(cfg.Health, logger)
	p.bus.AddSink(health.NewLogSink(logger))
	if cfg.Alerts.Webhook.Enabled {
		p.bus.AddSink(health.NewWebhookSink(cfg.Alerts.Webhook))
	}
	if cfg.Alerts.Audit.Enabled {
		audit, err := health.NewAuditSink(cfg.Alerts.Audit)
		if err != nil {
			return nil, err
		}
		p.audit = audit
		p.bus.AddSink(audit)
	}

	p.agg = aggregate.New(cfg.Aggregation, p.breakers, aggregate.SourceWeights{
		Reliability: cfg.ReliabilityFor,
		Tier:        p.tierOf,
	}, p.onEmit, p.onAggregationError, logger)

	p.validator = validate.New(cfg.Validation, logger)
	p.cache = cache.New(cfg.Cache, logger)
	p.warmer = cache.NewWarmer(cfg.Cache.Warmer, p.cache, p.warmFetch, p.agg.Feeds, logger)

	var respCache exchange.ResponseCache
	if cfg.Redis.Enabled {
		client := exchange.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		p.redis = client
		respCache = exchange.NewRedisCache(client, cfg.Redis.KeyPrefix, logger)
	}
	p.rest = exchange.NewRESTClient(exchange.RESTOptions{
		Timeout:   cfg.Network.HTTPTimeout,
		UserAgent: cfg.Network.UserAgent,
		Cache:     respCache,
		CacheTTL:  cfg.Redis.TTL,
	}, logger)

	p.manager = manager.New(cfg, p.breakers, p.validator, p.agg, p.updates, p.events, logger)
	p.manager.SetUpdateHook(func(u models.PriceUpdate) { p.metrics.RecordUpdate(u.Source) })
	p.coord = failover.New(cfg, p.manager, p.onFailoverEvent, logger)
	p.manager.AddListener(p.coord)
	p.manager.AddListener(&busListener{bus: p.bus, metrics: p.metrics})

	for _, spec := range feeds {
		p.installFeed(spec)
	}
	return p, nil
}

// installFeed registers the feed's sources (creating adapters on first
// mention) and installs the definition in the manager.
func (p *Provider) installFeed(spec config.FeedSpec) {
	for _, src := range spec.Sources {
		if _, ok := p.manager.Source(src.Exchange); !ok {
			a := exchange.New(src.Exchange, p.cfg, p.updates, p.events, p.rest, p.logger)
			p.manager.AddDataSource(a)
		}
	}
	// Backups must exist as adapters before the coordinator promotes them.
	for _, backup := range p.cfg.Failover.Backups[spec.Feed.Category.String()] {
		if _, ok := p.manager.Source(backup); !ok {
			a := exchange.New(backup, p.cfg, p.updates, p.events, p.rest, p.logger)
			p.manager.AddDataSource(a)
		}
	}
	p.manager.SetFeed(spec.Feed, spec.Sources)
}

func (p *Provider) tierOf(source string) models.Tier {
	if a, ok := p.manager.Source(source); ok {
		return a.Tier()
	}
	if exchange.IsNative(source) {
		return models.TierNative
	}
	return models.TierBridge
}

// onEmit runs on the aggregation goroutine for every published aggregate.
func (p *Provider) onEmit(ap models.AggregatedPrice) {
	p.metrics.RecordEmission()
	p.metrics.RecordAggregation(true)
	p.aggQueue.Push(ap)
}

func (p *Provider) onAggregationError(err *errs.AggregationError) {
	p.metrics.RecordAggregation(false)
	p.logger.Debug().Str("feed", err.Feed).Int("have", err.Have).Int("want", err.Want).
		Msg("aggregation failed")
}

// onFailoverEvent forwards coordinator events to the health bus.
func (p *Provider) onFailoverEvent(e failover.Event) {
	switch e.Kind {
	case failover.EventReconnectExhausted:
		p.bus.Raise(health.RuleSourceTerminal, health.SeverityCritical,
			"source reconnect exhausted", e.Message, e.Source, e.Feed)
	case failover.EventPromoted, failover.EventDemoted:
		p.bus.Raise("failover_"+e.Kind, health.SeverityInfo, e.Kind, e.Message, e.Source, e.Feed)
	case failover.EventFailoverSlow:
		p.bus.Raise("failover_slow", health.SeverityWarning, "failover slow", e.Message, "", e.Feed)
	}
}

// warmFetch asks the aggregator to recompute a feed for the warmer.
func (p *Provider) warmFetch(_ context.Context, id models.FeedID) (models.AggregatedPrice, bool) {
	ap, ok := p.agg.Recompute(id)
	p.metrics.RecordWarmFetch(ok)
	if !ok {
		return models.AggregatedPrice{}, false
	}
	if ap.Age(p.now()) >= p.cfg.Cache.FreshThreshold {
		return models.AggregatedPrice{}, false
	}
	return ap, true
}

// Start connects adapters, subscribes every installed feed and launches
// the background loops. Adapter connect failures are tolerated; the
// failover coordinator retries them.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.bus.Start()
	p.manager.Start()
	p.coord.Start()

	g, connectCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Reconnect.MaxConcurrent)
	for _, snap := range p.manager.GetConnectedSources() {
		name := snap.Name
		g.Go(func() error {
			a, ok := p.manager.Source(name)
			if !ok {
				return nil
			}
			dialCtx, cancel := context.WithTimeout(connectCtx, p.cfg.Network.WSConnectTimeout)
			defer cancel()
			if err := a.Connect(dialCtx); err != nil {
				p.logger.Warn().Err(err).Str("source", name).Msg("initial connect failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	for id := range p.manager.Feeds() {
		if err := p.manager.SubscribeToFeed(id); err != nil {
			p.logger.Warn().Err(err).Str("feed", id.String()).Msg("feed subscription failed")
		}
	}

	p.warmer.Start()
	p.wg.Add(2)
	go p.cacheLoop(loopCtx)
	go p.monitorLoop(loopCtx)

	p.logger.Info().Int("feeds", len(p.manager.Feeds())).
		Int("sources", len(p.manager.GetConnectedSources())).
		Msg("provider started")
	return nil
}

// Stop shuts the pipeline down in reverse order under the configured
// grace period.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.warmer.Stop()
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.coord.Stop()
		p.manager.Stop()
		for _, snap := range p.manager.GetConnectedSources() {
			if a, ok := p.manager.Source(snap.Name); ok {
				a.Disconnect()
			}
		}
		p.bus.Stop()
		if p.audit != nil {
			p.audit.Close()
		}
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.Shutdown.Grace):
		p.logger.Warn().Msg("shutdown grace period expired")
	}
}

// cacheLoop drains published aggregates into the freshness cache and the
// optional Redis write-through.
func (p *Provider) cacheLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.aggQueue.Notify():
		}
		for _, ap := range p.aggQueue.Drain() {
			p.cache.InvalidateOnPriceUpdate(ap.Feed, ap.Timestamp)
			p.cache.Set(ap.Feed, ap)
			p.writeThrough(ctx, ap)
		}
	}
}

func (p *Provider) writeThrough(ctx context.Context, ap models.AggregatedPrice) {
	if p.redis == nil {
		return
	}
	body, err := json.Marshal(ap)
	if err != nil {
		return
	}
	key := p.cfg.Redis.KeyPrefix + "agg:" + ap.Feed.String()
	if err := p.redis.Set(ctx, key, body, p.cfg.Redis.TTL).Err(); err != nil {
		p.logger.Debug().Err(err).Str("feed", ap.Feed.String()).Msg("redis write-through failed")
	}
}

// monitorLoop periodically evaluates the health rules and refreshes the
// registry gauges.
func (p *Provider) monitorLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evaluateHealth()
		}
	}
}

func (p *Provider) evaluateHealth() {
	conn := p.manager.GetConnectionHealth()
	p.metrics.SetConnectedSources(conn.ConnectedCount)
	feeds := p.agg.Feeds()
	p.metrics.SetRegisteredFeeds(len(feeds))

	if conn.TotalSources > 0 {
		p.bus.CheckConnectionRate(float64(conn.ConnectedCount) / float64(conn.TotalSources))
	}

	var confSum float64
	var confN int
	for _, id := range feeds {
		ap, ok := p.agg.Latest(id)
		if !ok {
			continue
		}
		p.bus.CheckDataAge(id.String(), ap.Age(p.now()))
		confSum += ap.Confidence
		confN++

		// Per-source consensus deviation against the published median.
		if ap.Price > 0 {
			for _, u := range p.agg.CrossSource(id, p.cfg.Validation.CrossSourceWindow) {
				dev := u.Price/ap.Price - 1
				if dev < 0 {
					dev = -dev
				}
				p.bus.CheckConsensusDeviation(u.Source, id.String(), dev)
			}
		}
	}

	quality := conn.HealthScore * 0.5
	quality += p.agg.SuccessRate() * 100 * 0.3
	if confN > 0 {
		quality += confSum / float64(confN) * 100 * 0.2
	} else {
		quality += 20
	}
	p.bus.CheckQualityScore(quality)
}

// GetCurrentPrice returns the freshest aggregate for a feed: cache first,
// then an on-demand recompute, then the last known good value while it is
// inside the data-age budget.
func (p *Provider) GetCurrentPrice(ctx context.Context, id models.FeedID) (models.AggregatedPrice, error) {
	started := p.now()
	ap, err := p.getPrice(ctx, id)
	p.recordRequest(started, err)
	return ap, err
}

func (p *Provider) getPrice(ctx context.Context, id models.FeedID) (models.AggregatedPrice, error) {
	if err := ctx.Err(); err != nil {
		return models.AggregatedPrice{}, errs.RequestTimeout(id.String(), err)
	}
	if !p.manager.HasFeed(id) {
		return models.AggregatedPrice{}, errs.NotFound(id.String())
	}

	if ap, ok := p.cache.Get(id); ok {
		p.metrics.RecordCache(true)
		return ap, nil
	}
	p.metrics.RecordCache(false)

	ap, ok := p.agg.Recompute(id)
	if ok {
		age := ap.Age(p.now())
		if age < p.cfg.Cache.MaxDataAge {
			p.cache.Set(id, ap)
			return ap, nil
		}
		// A recompute can only go stale when too few fresh sources remain;
		// report which failure the caller can act on.
		if have, want := p.agg.Eligibility(id); have < want {
			return models.AggregatedPrice{}, errs.Degraded(id.String(), have, want)
		}
		return models.AggregatedPrice{}, errs.Stale(id.String(), age.Milliseconds())
	}

	if have, want := p.agg.Eligibility(id); have < want {
		return models.AggregatedPrice{}, errs.Degraded(id.String(), have, want)
	}
	return models.AggregatedPrice{}, errs.Stale(id.String(), -1)
}

// GetCurrentPrices resolves a batch. The error slice is parallel to the
// input; prices holds the successes in input order. A partial failure
// never aborts the batch.
func (p *Provider) GetCurrentPrices(ctx context.Context, ids []models.FeedID) ([]models.AggregatedPrice, []error) {
	prices := make([]models.AggregatedPrice, 0, len(ids))
	errors := make([]error, len(ids))
	for i, id := range ids {
		ap, err := p.GetCurrentPrice(ctx, id)
		if err != nil {
			errors[i] = err
			continue
		}
		prices = append(prices, ap)
	}
	return prices, errors
}

// SubscribeToFeed (re)starts streaming for an installed feed.
func (p *Provider) SubscribeToFeed(id models.FeedID) error {
	if !id.Category.Valid() || id.Base() == "" || id.Quote() == "" {
		return errs.ConfigInvalid(id.String(), "feed id must be category:BASE/QUOTE")
	}
	if !p.manager.HasFeed(id) {
		return errs.NotFound(id.String())
	}
	return p.manager.SubscribeToFeed(id)
}

// UnsubscribeFromFeed stops streaming a feed and destroys its aggregation
// state. The feed definition stays installed for a later resubscribe.
func (p *Provider) UnsubscribeFromFeed(id models.FeedID) error {
	if !id.Category.Valid() || id.Base() == "" || id.Quote() == "" {
		return errs.ConfigInvalid(id.String(), "feed id must be category:BASE/QUOTE")
	}
	if !p.manager.HasFeed(id) {
		return errs.NotFound(id.String())
	}
	p.cache.Remove(id)
	return p.manager.UnsubscribeFromFeed(id)
}

// Reload reconciles the installed feed set against a new feed list: new
// feeds subscribe, removed feeds unsubscribe and drop their state,
// surviving feeds keep their buffers.
func (p *Provider) Reload(feeds []config.FeedSpec) {
	incoming := make(map[models.FeedID]config.FeedSpec, len(feeds))
	for _, spec := range feeds {
		incoming[spec.Feed] = spec
	}

	for id := range p.manager.Feeds() {
		if _, ok := incoming[id]; ok {
			continue
		}
		if err := p.UnsubscribeFromFeed(id); err != nil {
			p.logger.Warn().Err(err).Str("feed", id.String()).Msg("reload unsubscribe failed")
		}
		p.manager.RemoveFeed(id)
	}

	for id, spec := range incoming {
		known := p.manager.HasFeed(id)
		p.installFeed(spec)
		if !known {
			if err := p.manager.SubscribeToFeed(id); err != nil {
				p.logger.Warn().Err(err).Str("feed", id.String()).Msg("reload subscribe failed")
			}
		}
	}
	p.logger.Info().Int("feeds", len(feeds)).Msg("feed set reloaded")
}

// SystemHealth is the public health report.
type SystemHealth struct {
	Status      string                   `json:"status"`
	Sources     []manager.SourceSnapshot `json:"sources"`
	Aggregation AggregationHealth        `json:"aggregation"`
	Performance PerformanceHealth        `json:"performance"`
	Accuracy    AccuracyHealth           `json:"accuracy"`
	Cache       cache.Stats              `json:"cache"`
	Alerts      []health.Alert           `json:"recent_alerts,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

// AggregationHealth summarizes aggregation outcomes.
type AggregationHealth struct {
	SuccessRate float64 `json:"success_rate"`
	ErrorCount  int64   `json:"error_count"`
	LastError   string  `json:"last_error,omitempty"`
}

// PerformanceHealth summarizes the request path.
type PerformanceHealth struct {
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
}

// AccuracyHealth summarizes output quality.
type AccuracyHealth struct {
	AvgConfidence float64 `json:"avg_confidence"`
	OutlierRate   float64 `json:"outlier_rate"`
}

// GetSystemHealth reports the full system state. It never fails.
func (p *Provider) GetSystemHealth(context.Context) SystemHealth {
	conn := p.manager.GetConnectionHealth()
	sources := p.manager.GetConnectedSources()
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	aggStats := p.agg.Stats()

	var confSum float64
	var confN int
	for _, id := range p.agg.Feeds() {
		if ap, ok := p.agg.Latest(id); ok {
			confSum += ap.Confidence
			confN++
		}
	}
	avgConf := 0.0
	if confN > 0 {
		avgConf = confSum / float64(confN)
	}
	outlierRate := 0.0
	if total := aggStats.Successes + aggStats.Failures; total > 0 {
		outlierRate = float64(aggStats.Failures) / float64(total)
	}

	p.mu.Lock()
	perf := PerformanceHealth{AvgResponseTimeMS: p.ewmaMS}
	if p.requests > 0 {
		perf.ErrorRate = float64(p.failed) / float64(p.requests)
	}
	p.mu.Unlock()

	status := "healthy"
	switch {
	case conn.TotalSources == 0 || conn.HealthScore < 50:
		status = "unhealthy"
	case conn.HealthScore < p.cfg.Health.Rules.ConnectionRateMin*100 || p.agg.SuccessRate() < 0.5:
		status = "degraded"
	}

	return SystemHealth{
		Status:  status,
		Sources: sources,
		Aggregation: AggregationHealth{
			SuccessRate: p.agg.SuccessRate(),
			ErrorCount:  aggStats.Failures,
			LastError:   aggStats.LastError,
		},
		Performance: perf,
		Accuracy:    AccuracyHealth{AvgConfidence: avgConf, OutlierRate: outlierRate},
		Cache:       p.cache.Stats(),
		Alerts:      p.bus.Recent(),
		Timestamp:   p.now(),
	}
}

// Metrics exposes the registry for the HTTP interface.
func (p *Provider) Metrics() *metrics.Metrics { return p.metrics }

// REST exposes the warm REST tier for the probe command.
func (p *Provider) REST() *exchange.RESTClient { return p.rest }

// Sources exposes the registry snapshot for the probe command.
func (p *Provider) Sources() []manager.SourceSnapshot { return p.manager.GetConnectedSources() }

func (p *Provider) recordRequest(started time.Time, err error) {
	elapsed := float64(p.now().Sub(started).Microseconds()) / 1000

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if err != nil {
		p.failed++
	}
	const alpha = 0.1
	if p.ewmaMS == 0 {
		p.ewmaMS = elapsed
	} else {
		p.ewmaMS = alpha*elapsed + (1-alpha)*p.ewmaMS
	}
}

// busListener adapts manager lifecycle signals onto the health bus and
// the metrics registry.
type busListener struct {
	bus     *health.Bus
	metrics *metrics.Metrics
}

func (l *busListener) SourceUnhealthy(source string, err error) {
	l.bus.RecordError(source, errs.Classify(err))
}

func (l *busListener) SourceRecovered(string) {}

func (l *busListener) SourceError(source string, err error) {
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		l.metrics.RecordRejection(source, ve.Check)
		return
	}
	code := errs.Classify(err)
	l.metrics.RecordSourceError(source, string(code))
	l.bus.RecordError(source, code)
}
