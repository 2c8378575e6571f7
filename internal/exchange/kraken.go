package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Kraken streams tickers over the v1 websocket API and falls back to
// /0/public/Ticker. Kraken spells BTC as XBT; the adapter aliases both
// ways so callers only ever see BTC.
type Kraken struct {
	*baseAdapter
	restURL string
}

// NewKraken creates the Kraken adapter.
func NewKraken(cfg config.ExchangeConfig, netCfg config.NetworkConfig, reconnect config.ReconnectConfig, sink Sink, events *Events, rest *RESTClient, logger zerolog.Logger) *Kraken {
	k := &Kraken{
		baseAdapter: newBaseAdapter("kraken", sink, events, rest,
			NewBackoff(reconnect.BaseDelay, reconnect.MaxDelay, reconnect.MaxAttempts), logger),
		restURL: strings.TrimRight(cfg.RESTURL, "/"),
	}
	k.dialURL = cfg.WSURL
	k.dialTimeout = netCfg.WSConnectTimeout
	k.userAgent = netCfg.UserAgent
	k.transportPing = true
	k.toExchange = krakenSymbol
	k.normalizeFallback = krakenNormalize
	k.makeSub = krakenSubMessages("subscribe")
	k.makeUnsub = krakenSubMessages("unsubscribe")
	k.onMessage = k.handleMessage
	k.restTicker = k.fetchTicker
	k.probe = k.ping
	return k
}

func krakenSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.HasPrefix(s, "BTC/") {
		s = "XBT" + s[3:]
	}
	return s
}

func krakenNormalize(exSymbol string) string {
	s := strings.ToUpper(exSymbol)
	if strings.HasPrefix(s, "XBT/") {
		s = "BTC" + s[3:]
	}
	return s
}

func krakenSubMessages(event string) func([]string) []interface{} {
	return func(exSymbols []string) []interface{} {
		return []interface{}{map[string]interface{}{
			"event":        event,
			"pair":         exSymbols,
			"subscription": map[string]string{"name": "ticker"},
		}}
	}
}

// krakenTickerPayload is the ticker object inside the channel frame. Each
// field is [price, wholeLotVolume, lotVolume] or [price, lotVolume].
type krakenTickerPayload struct {
	Ask    []json.Number `json:"a"`
	Bid    []json.Number `json:"b"`
	Close  []json.Number `json:"c"`
	Volume []json.Number `json:"v"`
}

// handleMessage decodes both event objects ({"event":"heartbeat"}, sub
// status) and channel frames ([chanID, payload, "ticker", "XBT/USD"]).
func (k *Kraken) handleMessage(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "[") {
		var ev struct {
			Event        string `json:"event"`
			Status       string `json:"status"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return errs.NewSourceError(errs.CodeParse, k.name, "stream", "event frame", err)
		}
		if ev.Status == "error" {
			return errs.NewSourceError(errs.CodeExchange, k.name, "subscribe", ev.ErrorMessage, nil)
		}
		return nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return errs.NewSourceError(errs.CodeParse, k.name, "stream", "channel frame", err)
	}
	if len(frame) < 4 {
		return nil
	}
	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "ticker" {
		return nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil || pair == "" {
		return errs.NewSourceError(errs.CodeParse, k.name, "stream", "frame missing pair", err)
	}
	var tick krakenTickerPayload
	if err := json.Unmarshal(frame[1], &tick); err != nil {
		return errs.NewSourceError(errs.CodeParse, k.name, "stream", "ticker payload", err)
	}

	update, err := k.normalizeTicker(pair, tick)
	if err != nil {
		return err
	}
	k.emit(update)
	return nil
}

func (k *Kraken) normalizeTicker(pair string, tick krakenTickerPayload) (models.PriceUpdate, error) {
	if len(tick.Close) == 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, k.name, "ticker",
			"payload missing close price", nil)
	}
	price, err := tick.Close[0].Float64()
	if err != nil || price <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, k.name, "ticker",
			fmt.Sprintf("price %q is not a positive number", tick.Close[0]), err)
	}
	bid := numberAt(tick.Bid, 0)
	ask := numberAt(tick.Ask, 0)
	volume := numberAt(tick.Volume, 0)

	// Kraken ticker frames carry no event timestamp; receipt time is the
	// best available anchor.
	now := k.now()
	return models.PriceUpdate{
		Symbol:     k.Normalize(pair),
		Price:      price,
		Timestamp:  now.UnixMilli(),
		Volume:     volume,
		Confidence: Confidence(bid, ask, price, volume, 0),
	}, nil
}

func numberAt(xs []json.Number, i int) float64 {
	if i >= len(xs) {
		return 0
	}
	f, _ := xs[i].Float64()
	return f
}

type krakenRESTResponse struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		Ask    []json.Number `json:"a"`
		Bid    []json.Number `json:"b"`
		Close  []json.Number `json:"c"`
		Volume []json.Number `json:"v"`
	} `json:"result"`
}

func (k *Kraken) fetchTicker(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	pair := strings.ReplaceAll(krakenSymbol(symbol), "/", "")
	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", k.restURL, pair)
	var resp krakenRESTResponse
	if err := k.rest.GetJSON(ctx, k.name, url, &resp); err != nil {
		return models.PriceUpdate{}, err
	}
	if len(resp.Error) > 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeExchange, k.name, "rest_ticker",
			strings.Join(resp.Error, "; "), nil)
	}
	for _, tick := range resp.Result {
		update, err := k.normalizeTicker(krakenSymbol(symbol), krakenTickerPayload(tick))
		if err != nil {
			return models.PriceUpdate{}, err
		}
		update.Source = k.name
		update.Symbol = strings.ToUpper(symbol)
		return update, nil
	}
	return models.PriceUpdate{}, errs.NewSourceError(errs.CodeExchange, k.name, "rest_ticker",
		"empty result for "+symbol, nil)
}

func (k *Kraken) ping(ctx context.Context) error {
	var out struct {
		Error  []string `json:"error"`
		Result struct {
			UnixTime int64 `json:"unixtime"`
		} `json:"result"`
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return k.rest.GetJSON(ctx, k.name, k.restURL+"/0/public/Time", &out)
}
