// Package exchange implements the source runtime: the adapter SPI, the
// native streaming adapters (Binance, Kraken, OKX, Crypto.com, Coinbase),
// the generic REST bridge for every other venue, and the shared warm REST
// tier they fetch through.
package exchange

import (
	"context"

	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Sink receives normalized price updates from an adapter. Push never
// blocks; overflow handling is the sink's concern.
type Sink interface {
	Push(models.PriceUpdate)
}

// Events carries an adapter's out-of-band signals: connection-state
// transitions and classified errors. Both channels are buffered by the
// constructor caller; an adapter drops a signal rather than block.
type Events struct {
	States chan models.StateChange
	Errors chan error
}

// NewEvents allocates event channels with the given buffer depth.
func NewEvents(depth int) *Events {
	return &Events{
		States: make(chan models.StateChange, depth),
		Errors: make(chan error, depth),
	}
}

// Adapter is the SPI every exchange integration implements. One adapter
// owns one physical connection to one venue.
type Adapter interface {
	// ExchangeName returns the stable lowercase venue identifier.
	ExchangeName() string
	// Category returns the asset class the venue serves.
	Category() models.Category
	// Capabilities describes the venue integration's transports.
	Capabilities() models.Capabilities
	// Tier reports the integration depth used for aggregation weighting.
	Tier() models.Tier

	// Connect establishes the streaming transport. Idempotent: connecting
	// an already-connected adapter returns nil immediately.
	Connect(ctx context.Context) error
	// Disconnect tears down the transport and stops background work.
	Disconnect()
	// Terminate marks the adapter terminally disconnected after the
	// reconnect budget is spent, emitting the terminal connection error.
	Terminate()
	// State returns the current connection lifecycle state.
	State() models.ConnectionState

	// Subscribe starts streaming the given canonical symbols. Already
	// subscribed symbols are silently skipped.
	Subscribe(symbols []string) error
	// Unsubscribe stops streaming the given canonical symbols.
	Unsubscribe(symbols []string) error
	// Subscriptions snapshots the active canonical symbol set.
	Subscriptions() []string

	// FetchTickerREST fetches one ticker over the REST fallback.
	FetchTickerREST(ctx context.Context, symbol string) (models.PriceUpdate, error)
	// HealthCheck probes the venue, preferring REST when the stream is
	// down.
	HealthCheck(ctx context.Context) bool

	// ToExchange maps a canonical BASE/QUOTE symbol to the venue's form.
	ToExchange(symbol string) string
	// Normalize maps a venue symbol back to canonical BASE/QUOTE form.
	Normalize(symbol string) string

	// Backoff returns the reconnect schedule the failover coordinator
	// applies when it re-dials this adapter.
	Backoff() *Backoff
}
