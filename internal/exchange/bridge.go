package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Bridge is the tier-2 adapter for venues without a native integration.
// It polls a CCXT-compatible HTTP gateway, with the exchange name used
// verbatim as the gateway exchange id. No stream, lower weight, but any
// venue the gateway knows becomes a usable source.
type Bridge struct {
	name    string
	baseURL string
	sink    Sink
	events  *Events
	rest    *RESTClient
	backoff *Backoff
	logger  zerolog.Logger
	now     func() time.Time

	interval time.Duration

	mu     sync.Mutex
	state  models.ConnectionState
	subs   map[string]string // canonical -> gateway symbol
	cancel context.CancelFunc
}

// NewBridge creates a bridge adapter for the named venue.
func NewBridge(name string, cfg config.BridgeConfig, reconnect config.ReconnectConfig, sink Sink, events *Events, rest *RESTClient, logger zerolog.Logger) *Bridge {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Bridge{
		name:     name,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		sink:     sink,
		events:   events,
		rest:     rest,
		backoff:  NewBackoff(reconnect.BaseDelay, reconnect.MaxDelay, reconnect.MaxAttempts),
		logger:   logger.With().Str("component", "adapter").Str("exchange", name).Logger(),
		now:      time.Now,
		interval: interval,
		state:    models.StateDisconnected,
		subs:     make(map[string]string),
	}
}

func (b *Bridge) ExchangeName() string      { return b.name }
func (b *Bridge) Category() models.Category { return models.CategoryCrypto }
func (b *Bridge) Tier() models.Tier         { return models.TierBridge }
func (b *Bridge) Backoff() *Backoff         { return b.backoff }

func (b *Bridge) Capabilities() models.Capabilities {
	return models.Capabilities{SupportsStream: false, SupportsREST: true, SupportsVolume: true}
}

// ToExchange keeps the canonical BASE/QUOTE form; the gateway accepts
// CCXT-style unified symbols.
func (b *Bridge) ToExchange(symbol string) string { return strings.ToUpper(symbol) }

// Normalize uppercases; the gateway already answers in unified form.
func (b *Bridge) Normalize(exSymbol string) string { return strings.ToUpper(exSymbol) }

func (b *Bridge) State() models.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(to models.ConnectionState) {
	b.mu.Lock()
	from := b.state
	if from == to {
		b.mu.Unlock()
		return
	}
	b.state = to
	b.mu.Unlock()

	select {
	case b.events.States <- models.StateChange{Source: b.name, From: from, To: to, At: b.now()}:
	default:
	}
}

// Connect starts the poll loop. Idempotent.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.baseURL == "" {
		return errs.NewSourceError(errs.CodeConnection, b.name, "connect", "bridge gateway url not configured", nil)
	}
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	b.setState(models.StateConnected)
	b.backoff.Reset()
	go b.pollLoop(pollCtx)
	return nil
}

// Disconnect stops the poll loop.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.setState(models.StateDisconnected)
}

// Terminate marks the bridge terminally disconnected after the reconnect
// budget is spent, emitting the terminal connection error.
func (b *Bridge) Terminate() {
	b.Disconnect()
	select {
	case b.events.Errors <- errs.NewSourceError(errs.CodeConnection, b.name, "reconnect",
		"reconnect attempts exhausted, operator intervention required", nil):
	default:
	}
}

func (b *Bridge) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

func (b *Bridge) pollOnce(ctx context.Context) {
	b.mu.Lock()
	symbols := make([]string, 0, len(b.subs))
	for s := range b.subs {
		symbols = append(symbols, s)
	}
	b.mu.Unlock()

	for _, symbol := range symbols {
		update, err := b.FetchTickerREST(ctx, symbol)
		if err != nil {
			select {
			case b.events.Errors <- errs.AsSourceError(err, b.name, "poll"):
			default:
			}
			continue
		}
		b.sink.Push(update)
	}
}

// Subscribe adds symbols to the poll set; the next tick picks them up.
func (b *Bridge) Subscribe(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		if _, ok := b.subs[s]; ok {
			continue
		}
		b.subs[s] = b.ToExchange(s)
	}
	return nil
}

// Unsubscribe removes symbols from the poll set.
func (b *Bridge) Unsubscribe(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		delete(b.subs, s)
	}
	return nil
}

// Subscriptions snapshots the poll set.
func (b *Bridge) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	return out
}

// bridgeTicker is the gateway's unified ticker shape.
type bridgeTicker struct {
	Symbol     string  `json:"symbol"`
	Last       float64 `json:"last"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	BaseVolume float64 `json:"baseVolume"`
	Timestamp  int64   `json:"timestamp"`
}

// FetchTickerREST fetches one unified ticker from the gateway.
func (b *Bridge) FetchTickerREST(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	u := fmt.Sprintf("%s/exchanges/%s/ticker?symbol=%s",
		b.baseURL, url.PathEscape(b.name), url.QueryEscape(b.ToExchange(symbol)))
	var tick bridgeTicker
	if err := b.rest.GetJSON(ctx, b.name, u, &tick); err != nil {
		return models.PriceUpdate{}, err
	}
	if tick.Symbol == "" || tick.Last <= 0 || tick.Timestamp <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, b.name, "ticker",
			"gateway payload missing symbol, price or timestamp", nil)
	}

	now := b.now()
	return models.PriceUpdate{
		Symbol:     b.Normalize(tick.Symbol),
		Price:      tick.Last,
		Timestamp:  tick.Timestamp,
		Source:     b.name,
		Volume:     tick.BaseVolume,
		Confidence: Confidence(tick.Bid, tick.Ask, tick.Last, tick.BaseVolume, now.Sub(time.UnixMilli(tick.Timestamp))),
	}, nil
}

// HealthCheck probes the gateway's exchange status endpoint.
func (b *Bridge) HealthCheck(ctx context.Context) bool {
	if b.baseURL == "" {
		return false
	}
	var out struct {
		Status string `json:"status"`
	}
	u := fmt.Sprintf("%s/exchanges/%s/status", b.baseURL, url.PathEscape(b.name))
	return b.rest.GetJSON(ctx, b.name, u, &out) == nil
}
