package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Coinbase streams the exchange ticker channel and falls back to
// /products/{id}/ticker. Symbols take dash form: BTC/USD -> BTC-USD.
type Coinbase struct {
	*baseAdapter
	restURL string
}

// NewCoinbase creates the Coinbase adapter.
func NewCoinbase(cfg config.ExchangeConfig, netCfg config.NetworkConfig, reconnect config.ReconnectConfig, sink Sink, events *Events, rest *RESTClient, logger zerolog.Logger) *Coinbase {
	c := &Coinbase{
		baseAdapter: newBaseAdapter("coinbase", sink, events, rest,
			NewBackoff(reconnect.BaseDelay, reconnect.MaxDelay, reconnect.MaxAttempts), logger),
		restURL: strings.TrimRight(cfg.RESTURL, "/"),
	}
	c.dialURL = cfg.WSURL
	c.dialTimeout = netCfg.WSConnectTimeout
	c.userAgent = netCfg.UserAgent
	c.transportPing = true
	c.toExchange = coinbaseSymbol
	c.normalizeFallback = coinbaseNormalize
	c.makeSub = coinbaseSubMessages("subscribe")
	c.makeUnsub = coinbaseSubMessages("unsubscribe")
	c.onMessage = c.handleMessage
	c.restTicker = c.fetchTicker
	c.probe = c.ping
	return c
}

func coinbaseSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
}

func coinbaseNormalize(exSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(exSymbol, "-", "/"))
}

func coinbaseSubMessages(msgType string) func([]string) []interface{} {
	return func(exSymbols []string) []interface{} {
		return []interface{}{map[string]interface{}{
			"type":        msgType,
			"product_ids": exSymbols,
			"channels":    []string{"ticker"},
		}}
	}
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
	Message   string `json:"message"`
}

func (c *Coinbase) handleMessage(data []byte) error {
	var tick coinbaseTicker
	if err := json.Unmarshal(data, &tick); err != nil {
		return errs.NewSourceError(errs.CodeParse, c.name, "stream", "frame", err)
	}
	switch tick.Type {
	case "ticker":
	case "error":
		return errs.NewSourceError(errs.CodeExchange, c.name, "subscribe", tick.Message, nil)
	default:
		return nil
	}
	update, err := c.normalizeTicker(tick)
	if err != nil {
		return err
	}
	c.emit(update)
	return nil
}

func (c *Coinbase) normalizeTicker(tick coinbaseTicker) (models.PriceUpdate, error) {
	if tick.ProductID == "" || tick.Price == "" || tick.Time == "" {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, c.name, "ticker",
			"payload missing product, price or timestamp", nil)
	}
	price, err := strconv.ParseFloat(tick.Price, 64)
	if err != nil || price <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, c.name, "ticker",
			fmt.Sprintf("price %q is not a positive number", tick.Price), err)
	}
	at, err := time.Parse(time.RFC3339Nano, tick.Time)
	if err != nil {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, c.name, "ticker",
			fmt.Sprintf("timestamp %q invalid", tick.Time), err)
	}
	bid, _ := strconv.ParseFloat(tick.BestBid, 64)
	ask, _ := strconv.ParseFloat(tick.BestAsk, 64)
	volume, _ := strconv.ParseFloat(tick.Volume24h, 64)

	now := c.now()
	return models.PriceUpdate{
		Symbol:     c.Normalize(tick.ProductID),
		Price:      price,
		Timestamp:  at.UnixMilli(),
		Volume:     volume,
		Confidence: Confidence(bid, ask, price, volume, now.Sub(at)),
	}, nil
}

type coinbaseRESTTicker struct {
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

func (c *Coinbase) fetchTicker(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	product := coinbaseSymbol(symbol)
	url := fmt.Sprintf("%s/products/%s/ticker", c.restURL, product)
	var tick coinbaseRESTTicker
	if err := c.rest.GetJSON(ctx, c.name, url, &tick); err != nil {
		return models.PriceUpdate{}, err
	}
	update, err := c.normalizeTicker(coinbaseTicker{
		Type:      "ticker",
		ProductID: product,
		Price:     tick.Price,
		BestBid:   tick.Bid,
		BestAsk:   tick.Ask,
		Volume24h: tick.Volume,
		Time:      tick.Time,
	})
	if err != nil {
		return models.PriceUpdate{}, err
	}
	update.Source = c.name
	return update, nil
}

func (c *Coinbase) ping(ctx context.Context) error {
	var out struct {
		ISO string `json:"iso"`
	}
	return c.rest.GetJSON(ctx, c.name, c.restURL+"/time", &out)
}
