package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Binance streams 24h rolling tickers over the combined websocket API and
// falls back to /api/v3/ticker/24hr. Symbols collapse to concatenated
// uppercase form: BTC/USDT -> BTCUSDT.
type Binance struct {
	*baseAdapter
	restURL string
	reqID   atomic.Int64
}

// binanceQuotes lets Normalize split a concatenated symbol when it was
// never registered through Subscribe. Longest match wins.
var binanceQuotes = []string{"USDT", "FDUSD", "USDC", "TUSD", "BUSD", "BNB", "BTC", "ETH", "EUR", "TRY", "GBP", "USD"}

// NewBinance creates the Binance adapter.
func NewBinance(cfg config.ExchangeConfig, netCfg config.NetworkConfig, reconnect config.ReconnectConfig, sink Sink, events *Events, rest *RESTClient, logger zerolog.Logger) *Binance {
	b := &Binance{
		baseAdapter: newBaseAdapter("binance", sink, events, rest,
			NewBackoff(reconnect.BaseDelay, reconnect.MaxDelay, reconnect.MaxAttempts), logger),
		restURL: strings.TrimRight(cfg.RESTURL, "/"),
	}
	b.dialURL = cfg.WSURL
	b.dialTimeout = netCfg.WSConnectTimeout
	b.userAgent = netCfg.UserAgent
	b.transportPing = true
	b.toExchange = binanceSymbol
	b.normalizeFallback = binanceNormalize
	b.makeSub = b.subMessages("SUBSCRIBE")
	b.makeUnsub = b.subMessages("UNSUBSCRIBE")
	b.onMessage = b.handleMessage
	b.restTicker = b.fetchTicker
	b.probe = b.ping
	return b
}

func binanceSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func binanceNormalize(exSymbol string) string {
	s := strings.ToUpper(exSymbol)
	for _, q := range binanceQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q
		}
	}
	return s
}

func (b *Binance) subMessages(method string) func([]string) []interface{} {
	return func(exSymbols []string) []interface{} {
		params := make([]string, len(exSymbols))
		for i, s := range exSymbols {
			params[i] = strings.ToLower(s) + "@ticker"
		}
		return []interface{}{map[string]interface{}{
			"method": method,
			"params": params,
			"id":     b.reqID.Add(1),
		}}
	}
}

// binanceTicker is the 24hrTicker stream payload; REST uses different
// field names, covered by binanceRESTTicker.
type binanceTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	Volume    string `json:"v"`
}

func (b *Binance) handleMessage(data []byte) error {
	var tick binanceTicker
	if err := json.Unmarshal(data, &tick); err != nil {
		return errs.NewSourceError(errs.CodeParse, b.name, "stream", "ticker frame", err)
	}
	if tick.Event != "24hrTicker" {
		// Subscription acks and list responses share the socket.
		return nil
	}
	update, err := b.normalizeTicker(tick.Symbol, tick.Last, tick.Bid, tick.Ask, tick.Volume, tick.EventTime)
	if err != nil {
		return err
	}
	b.emit(update)
	return nil
}

func (b *Binance) normalizeTicker(symbol, last, bid, ask, volume string, ts int64) (models.PriceUpdate, error) {
	if symbol == "" || last == "" || ts <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, b.name, "ticker",
			"payload missing symbol, price or timestamp", nil)
	}
	price, err := strconv.ParseFloat(last, 64)
	if err != nil || price <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, b.name, "ticker",
			fmt.Sprintf("price %q is not a positive number", last), err)
	}
	bidF, _ := strconv.ParseFloat(bid, 64)
	askF, _ := strconv.ParseFloat(ask, 64)
	volF, _ := strconv.ParseFloat(volume, 64)

	now := b.now()
	return models.PriceUpdate{
		Symbol:     b.Normalize(symbol),
		Price:      price,
		Timestamp:  ts,
		Volume:     volF,
		Confidence: Confidence(bidF, askF, price, volF, now.Sub(time.UnixMilli(ts))),
	}, nil
}

type binanceRESTTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

func (b *Binance) fetchTicker(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", b.restURL, binanceSymbol(symbol))
	var tick binanceRESTTicker
	if err := b.rest.GetJSON(ctx, b.name, url, &tick); err != nil {
		return models.PriceUpdate{}, err
	}
	update, err := b.normalizeTicker(tick.Symbol, tick.LastPrice, tick.BidPrice, tick.AskPrice, tick.Volume, tick.CloseTime)
	if err != nil {
		return models.PriceUpdate{}, err
	}
	update.Source = b.name
	return update, nil
}

func (b *Binance) ping(ctx context.Context) error {
	var out struct{}
	return b.rest.GetJSON(ctx, b.name, b.restURL+"/api/v3/ping", &out)
}
