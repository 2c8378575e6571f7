// Package failover implements the coordinator that keeps feeds populated
// when sources fail: it promotes configured backup exchanges while a
// feed's healthy primaries are below threshold, demotes them once the
// primaries prove stable again, and schedules adapter reconnects under a
// global concurrency bound.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/exchange"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Registry is the slice of the data manager the coordinator drives.
type Registry interface {
	Feeds() map[models.FeedID][]config.FeedSource
	PrimariesFor(id models.FeedID) []string
	Source(id string) (exchange.Adapter, bool)
	SubscribeSource(id models.FeedID, exchangeName string) error
	UnsubscribeSource(id models.FeedID, exchangeName string) error
}

// Event kinds the coordinator reports to the health bus.
const (
	EventPromoted           = "backup_promoted"
	EventDemoted            = "backup_demoted"
	EventReconnectExhausted = "reconnect_exhausted"
	EventFailoverSlow       = "failover_slow"
)

// Event is one coordinator notification.
type Event struct {
	Kind    string
	Source  string
	Feed    string
	Message string
}

// EventFn receives coordinator events. Must not block.
type EventFn func(Event)

// Coordinator reacts to source lifecycle signals from the data manager.
// It implements the manager's Listener interface.
type Coordinator struct {
	failover  config.FailoverConfig
	reconnect config.ReconnectConfig
	dialTO    time.Duration
	registry  Registry
	onEvent   EventFn
	logger    zerolog.Logger
	now       func() time.Time

	// probeInterval drives the recovery probe loop.
	probeInterval time.Duration

	mu           sync.Mutex
	unhealthy    map[string]bool
	streak       map[string]int
	promoted     map[models.FeedID][]string
	reconnecting map[string]bool
	terminal     map[string]bool

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the coordinator. onEvent may be nil.
func New(cfg *config.Config, registry Registry, onEvent EventFn, logger zerolog.Logger) *Coordinator {
	maxConcurrent := cfg.Reconnect.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Coordinator{
		failover:      cfg.Failover,
		reconnect:     cfg.Reconnect,
		dialTO:        cfg.Network.WSConnectTimeout,
		registry:      registry,
		onEvent:       onEvent,
		logger:        logger.With().Str("component", "failover").Logger(),
		now:           time.Now,
		probeInterval: 2 * time.Second,
		unhealthy:     make(map[string]bool),
		streak:        make(map[string]int),
		promoted:      make(map[models.FeedID][]string),
		reconnecting:  make(map[string]bool),
		terminal:      make(map[string]bool),
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// Start launches the recovery probe loop.
func (c *Coordinator) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.probeLoop()
}

// Stop cancels all background work, including in-flight reconnect
// schedules, and waits for it to finish.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
}

// SourceUnhealthy marks the source down, triggers backup promotion for
// every feed it serves and schedules a reconnect when the stream is lost.
func (c *Coordinator) SourceUnhealthy(source string, err error) {
	c.mu.Lock()
	c.unhealthy[source] = true
	c.streak[source] = 0
	c.mu.Unlock()

	c.logger.Warn().Err(err).Str("source", source).Msg("source unhealthy")
	c.evaluateAll()

	if a, ok := c.registry.Source(source); ok && a.State() != models.StateConnected {
		c.scheduleReconnect(source, a)
	}
}

// SourceRecovered counts one healthy signal toward the recovery streak.
func (c *Coordinator) SourceRecovered(source string) {
	c.recordHealthy(source)
}

// SourceError is informational only; errors that matter for failover
// arrive through SourceUnhealthy.
func (c *Coordinator) SourceError(string, error) {}

// recordHealthy advances the recovery streak and restores the source once
// it has been healthy for the configured number of consecutive signals.
func (c *Coordinator) recordHealthy(source string) {
	c.mu.Lock()
	if !c.unhealthy[source] {
		c.mu.Unlock()
		return
	}
	c.streak[source]++
	recovered := c.streak[source] >= c.failover.RecoveryThreshold
	if recovered {
		delete(c.unhealthy, source)
		c.streak[source] = 0
	}
	c.mu.Unlock()

	if recovered {
		c.logger.Info().Str("source", source).Msg("source recovered")
		c.evaluateAll()
	}
}

// Unhealthy snapshots the currently down sources.
func (c *Coordinator) Unhealthy() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.unhealthy))
	for s := range c.unhealthy {
		out = append(out, s)
	}
	return out
}

// Promoted snapshots the backups currently serving a feed.
func (c *Coordinator) Promoted(id models.FeedID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.promoted[id]...)
}

// evaluateAll re-checks promotion and demotion for every installed feed.
func (c *Coordinator) evaluateAll() {
	for id := range c.registry.Feeds() {
		c.evaluateFeed(id)
	}
}

// evaluateFeed promotes backups while healthy coverage is below the
// degradation threshold and demotes them once the primaries alone are
// sufficient again.
func (c *Coordinator) evaluateFeed(id models.FeedID) {
	started := c.now()
	primaries := c.registry.PrimariesFor(id)

	c.mu.Lock()
	healthyPrimaries := 0
	for _, p := range primaries {
		if !c.unhealthy[p] {
			healthyPrimaries++
		}
	}
	current := append([]string(nil), c.promoted[id]...)
	healthyPromoted := 0
	for _, b := range current {
		if !c.unhealthy[b] {
			healthyPromoted++
		}
	}
	need := c.failover.DegradationThreshold - healthyPrimaries - healthyPromoted

	var toPromote []string
	if need > 0 {
		serving := make(map[string]bool, len(primaries)+len(current))
		for _, p := range primaries {
			serving[p] = true
		}
		for _, b := range current {
			serving[b] = true
		}
		for _, backup := range c.failover.Backups[id.Category.String()] {
			if need <= 0 {
				break
			}
			if serving[backup] || c.unhealthy[backup] {
				continue
			}
			toPromote = append(toPromote, backup)
			need--
		}
	}

	var toDemote []string
	if healthyPrimaries >= c.failover.DegradationThreshold && len(current) > 0 {
		toDemote = current
		c.promoted[id] = nil
	}
	c.mu.Unlock()

	for _, backup := range toPromote {
		if _, ok := c.registry.Source(backup); !ok {
			continue
		}
		if err := c.registry.SubscribeSource(id, backup); err != nil {
			c.logger.Warn().Err(err).Str("feed", id.String()).Str("backup", backup).
				Msg("backup promotion failed")
			continue
		}
		c.mu.Lock()
		c.promoted[id] = append(c.promoted[id], backup)
		c.mu.Unlock()
		c.logger.Info().Str("feed", id.String()).Str("backup", backup).Msg("backup promoted")
		c.emit(Event{Kind: EventPromoted, Source: backup, Feed: id.String(), Message: "promoted as backup source"})
	}

	for _, backup := range toDemote {
		if err := c.registry.UnsubscribeSource(id, backup); err != nil {
			c.logger.Warn().Err(err).Str("feed", id.String()).Str("backup", backup).
				Msg("backup demotion failed")
		}
		c.logger.Info().Str("feed", id.String()).Str("backup", backup).Msg("backup demoted")
		c.emit(Event{Kind: EventDemoted, Source: backup, Feed: id.String(), Message: "primaries recovered"})
	}

	if elapsed := c.now().Sub(started); len(toPromote) > 0 && elapsed > c.failover.MaxFailoverTime {
		c.logger.Warn().Dur("elapsed", elapsed).Str("feed", id.String()).
			Msg("failover exceeded time budget")
		c.emit(Event{Kind: EventFailoverSlow, Feed: id.String(), Message: elapsed.String()})
	}
}

// scheduleReconnect launches the reconnect loop for a source unless one is
// already running or the source went terminal.
func (c *Coordinator) scheduleReconnect(source string, a exchange.Adapter) {
	c.mu.Lock()
	if c.reconnecting[source] || c.terminal[source] || c.ctx == nil {
		c.mu.Unlock()
		return
	}
	c.reconnecting[source] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.reconnectLoop(source, a)
}

// reconnectLoop re-dials the adapter on its backoff schedule. At most
// MaxConcurrent dials run at once across all sources; exhausting the
// attempt budget terminates the adapter and makes the source terminal
// until manual reset.
func (c *Coordinator) reconnectLoop(source string, a exchange.Adapter) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting[source] = false
		c.mu.Unlock()
	}()

	backoff := a.Backoff()
	for {
		delay, ok := backoff.Next()
		if !ok {
			c.mu.Lock()
			c.terminal[source] = true
			c.mu.Unlock()
			a.Terminate()
			c.logger.Error().Str("source", source).Int("attempts", backoff.Attempt()).
				Msg("reconnect budget exhausted")
			c.emit(Event{Kind: EventReconnectExhausted, Source: source, Message: "reconnect attempts exhausted"})
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		select {
		case c.sem <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		dialCtx, cancel := context.WithTimeout(c.ctx, c.dialTO)
		err := a.Connect(dialCtx)
		cancel()
		<-c.sem

		if err == nil {
			c.logger.Info().Str("source", source).Msg("reconnected")
			return
		}
		c.logger.Warn().Err(err).Str("source", source).Int("attempt", backoff.Attempt()).
			Msg("reconnect attempt failed")
	}
}

// ResetSource clears the terminal flag so a manually repaired source can
// be scheduled again.
func (c *Coordinator) ResetSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.terminal, source)
	if a, ok := c.registry.Source(source); ok {
		a.Backoff().Reset()
	}
}

// probeLoop health-checks every unhealthy source on a fixed cadence. Each
// passing probe counts toward the recovery streak; a failing probe resets
// it.
func (c *Coordinator) probeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probeUnhealthy()
		}
	}
}

func (c *Coordinator) probeUnhealthy() {
	c.mu.Lock()
	down := make([]string, 0, len(c.unhealthy))
	for s := range c.unhealthy {
		down = append(down, s)
	}
	c.mu.Unlock()

	for _, source := range down {
		a, ok := c.registry.Source(source)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(c.ctx, c.dialTO)
		healthy := a.HealthCheck(probeCtx)
		cancel()
		if healthy {
			c.recordHealthy(source)
		} else {
			c.mu.Lock()
			c.streak[source] = 0
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) emit(e Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}
