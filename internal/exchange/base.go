package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// baseAdapter carries the lifecycle, subscription bookkeeping and event
// plumbing shared by every native streaming adapter. Venue constructors
// fill in the hook fields; everything else is generic.
type baseAdapter struct {
	name     string
	category models.Category
	caps     models.Capabilities
	tier     models.Tier
	sink     Sink
	events   *Events
	rest     *RESTClient
	backoff  *Backoff
	logger   zerolog.Logger
	symbols  *symbolTable
	now      func() time.Time

	mu       sync.Mutex
	state    models.ConnectionState
	subs     map[string]struct{}
	conn     *streamConn
	stopping bool

	// Venue hooks.
	dialURL       string
	dialTimeout   time.Duration
	userAgent     string
	transportPing bool
	// makeSub and makeUnsub build the control messages for a batch of
	// exchange-form symbols.
	makeSub   func(exSymbols []string) []interface{}
	makeUnsub func(exSymbols []string) []interface{}
	// onMessage parses one raw frame, pushing any updates to the sink.
	onMessage func(data []byte) error
	// toExchange and normalizeFallback implement the venue symbol scheme;
	// Normalize consults the registration table first.
	toExchange        func(symbol string) string
	normalizeFallback func(exSymbol string) string
	// restTicker fetches one ticker over the venue REST API.
	restTicker func(ctx context.Context, symbol string) (models.PriceUpdate, error)
	// probe is the REST health probe.
	probe func(ctx context.Context) error
}

func newBaseAdapter(name string, sink Sink, events *Events, rest *RESTClient, backoff *Backoff, logger zerolog.Logger) *baseAdapter {
	return &baseAdapter{
		name:     name,
		category: models.CategoryCrypto,
		caps:     models.Capabilities{SupportsStream: true, SupportsREST: true, SupportsVolume: true},
		tier:     models.TierNative,
		sink:     sink,
		events:   events,
		rest:     rest,
		backoff:  backoff,
		logger:   logger.With().Str("component", "adapter").Str("exchange", name).Logger(),
		symbols:  newSymbolTable(),
		now:      time.Now,
		state:    models.StateDisconnected,
		subs:     make(map[string]struct{}),
	}
}

func (a *baseAdapter) ExchangeName() string                { return a.name }
func (a *baseAdapter) Category() models.Category           { return a.category }
func (a *baseAdapter) Capabilities() models.Capabilities   { return a.caps }
func (a *baseAdapter) Tier() models.Tier                   { return a.tier }
func (a *baseAdapter) Backoff() *Backoff                   { return a.backoff }
func (a *baseAdapter) ToExchange(symbol string) string     { return a.toExchange(symbol) }

// Normalize maps a venue symbol back to canonical form, preferring the
// registration table so round-trips are exact for every advertised symbol.
func (a *baseAdapter) Normalize(exSymbol string) string {
	if canonical, ok := a.symbols.canonical(exSymbol); ok {
		return canonical
	}
	return a.normalizeFallback(exSymbol)
}

func (a *baseAdapter) State() models.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// setState transitions the lifecycle state and emits the change. Returns
// false when the state was already current.
func (a *baseAdapter) setState(to models.ConnectionState) bool {
	a.mu.Lock()
	from := a.state
	if from == to {
		a.mu.Unlock()
		return false
	}
	a.state = to
	a.mu.Unlock()

	change := models.StateChange{Source: a.name, From: from, To: to, At: a.now()}
	select {
	case a.events.States <- change:
	default:
		a.logger.Warn().Str("to", to.String()).Msg("state event dropped, channel full")
	}
	return true
}

// emitError publishes a classified error without blocking.
func (a *baseAdapter) emitError(err error) {
	if err == nil {
		return
	}
	se := errs.AsSourceError(err, a.name, "")
	select {
	case a.events.Errors <- se:
	default:
		a.logger.Warn().Err(se).Msg("error event dropped, channel full")
	}
}

// Connect dials the stream, replays the subscription set and starts the
// read loop. Connecting an already-connected adapter is a no-op.
func (a *baseAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == models.StateConnected || a.state == models.StateConnecting {
		a.mu.Unlock()
		return nil
	}
	a.stopping = false
	a.mu.Unlock()

	a.setState(models.StateConnecting)

	conn := newStreamConn(streamOptions{
		URL:           a.dialURL,
		DialTimeout:   a.dialTimeout,
		UserAgent:     a.userAgent,
		TransportPing: a.transportPing,
	}, a.logger)

	if err := conn.dial(ctx); err != nil {
		a.setState(models.StateDisconnected)
		se := errs.NewSourceError(errs.Classify(err), a.name, "connect", "stream dial failed", err)
		a.emitError(se)
		return se
	}

	a.mu.Lock()
	a.conn = conn
	pending := a.subscribedLocked()
	a.mu.Unlock()

	a.setState(models.StateConnected)
	a.logger.Info().Str("url", a.dialURL).Msg("stream connected")

	if len(pending) > 0 {
		if err := a.sendSubscribe(pending); err != nil {
			a.emitError(err)
		} else {
			a.backoff.Reset()
		}
	} else {
		a.backoff.Reset()
	}

	go a.readLoop(conn)
	return nil
}

func (a *baseAdapter) readLoop(conn *streamConn) {
	err := conn.run(a.onMessage)

	a.mu.Lock()
	current := a.conn == conn
	stopping := a.stopping
	if current {
		a.conn = nil
	}
	a.mu.Unlock()
	if !current {
		return
	}

	if stopping || err == nil {
		a.setState(models.StateDisconnected)
		return
	}

	a.logger.Warn().Err(err).Msg("stream read failed")
	a.setState(models.StateReconnecting)
	a.emitError(errs.NewSourceError(errs.Classify(err), a.name, "stream", "read loop ended", err))
}

// Disconnect closes the stream and marks the adapter stopped.
func (a *baseAdapter) Disconnect() {
	a.mu.Lock()
	a.stopping = true
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		conn.close()
	}
	a.setState(models.StateDisconnected)
}

// Terminate marks the adapter terminally disconnected after the reconnect
// budget is spent, emitting the terminal connection error.
func (a *baseAdapter) Terminate() {
	a.Disconnect()
	a.emitError(errs.NewSourceError(errs.CodeConnection, a.name, "reconnect",
		"reconnect attempts exhausted, operator intervention required", nil))
}

// Subscribe registers canonical symbols and, when connected, sends the
// venue subscribe messages. Already-subscribed symbols are skipped.
func (a *baseAdapter) Subscribe(symbols []string) error {
	a.mu.Lock()
	var fresh []string
	for _, s := range symbols {
		if _, ok := a.subs[s]; ok {
			continue
		}
		a.subs[s] = struct{}{}
		a.symbols.register(s, a.toExchange(s))
		fresh = append(fresh, s)
	}
	connected := a.state == models.StateConnected && a.conn != nil
	a.mu.Unlock()

	if len(fresh) == 0 || !connected {
		return nil
	}
	if err := a.sendSubscribe(fresh); err != nil {
		return err
	}
	a.backoff.Reset()
	return nil
}

func (a *baseAdapter) sendSubscribe(symbols []string) error {
	ex := make([]string, len(symbols))
	for i, s := range symbols {
		ex[i] = a.toExchange(s)
	}
	for _, msg := range a.makeSub(ex) {
		if err := a.writeJSON(msg); err != nil {
			return errs.NewSourceError(errs.CodeExchange, a.name, "subscribe", "transport rejected subscribe", err)
		}
	}
	return nil
}

// Unsubscribe removes canonical symbols from the set and, when connected,
// sends the venue unsubscribe messages.
func (a *baseAdapter) Unsubscribe(symbols []string) error {
	a.mu.Lock()
	var removed []string
	for _, s := range symbols {
		if _, ok := a.subs[s]; !ok {
			continue
		}
		delete(a.subs, s)
		removed = append(removed, s)
	}
	connected := a.state == models.StateConnected && a.conn != nil
	a.mu.Unlock()

	if len(removed) == 0 || !connected || a.makeUnsub == nil {
		return nil
	}
	ex := make([]string, len(removed))
	for i, s := range removed {
		ex[i] = a.toExchange(s)
	}
	for _, msg := range a.makeUnsub(ex) {
		if err := a.writeJSON(msg); err != nil {
			return errs.NewSourceError(errs.CodeExchange, a.name, "unsubscribe", "transport rejected unsubscribe", err)
		}
	}
	return nil
}

// Subscriptions snapshots the canonical symbol set, sorted.
func (a *baseAdapter) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribedLocked()
}

func (a *baseAdapter) subscribedLocked() []string {
	out := make([]string, 0, len(a.subs))
	for s := range a.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (a *baseAdapter) writeJSON(v interface{}) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errs.NewSourceError(errs.CodeConnection, a.name, "write", "not connected", nil)
	}
	return conn.writeJSON(v)
}

// FetchTickerREST fetches one ticker through the venue hook.
func (a *baseAdapter) FetchTickerREST(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	return a.restTicker(ctx, symbol)
}

// HealthCheck prefers the REST probe: a live stream with a dead REST API
// still answers, and a dead stream with a live REST API still probes.
func (a *baseAdapter) HealthCheck(ctx context.Context) bool {
	if a.probe != nil {
		return a.probe(ctx) == nil
	}
	return a.State() == models.StateConnected
}

// emit pushes one normalized update and keeps per-message parse failures
// out of the hot path.
func (a *baseAdapter) emit(u models.PriceUpdate) {
	u.Source = a.name
	a.sink.Push(u)
}

// symbolTable is the bidirectional canonical/exchange symbol registry an
// adapter builds as feeds subscribe.
type symbolTable struct {
	mu      sync.RWMutex
	toEx    map[string]string
	toCanon map[string]string
}

func newSymbolTable() *symbolTable {
	return &symbolTable{
		toEx:    make(map[string]string),
		toCanon: make(map[string]string),
	}
}

func (t *symbolTable) register(canonical, exchange string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toEx[canonical] = exchange
	t.toCanon[exchange] = canonical
}

func (t *symbolTable) canonical(exchange string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.toCanon[exchange]
	return c, ok
}
