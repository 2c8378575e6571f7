package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// CryptoCom streams the exchange v1 ticker channel and falls back to
// /v2/public/get-ticker. Symbols take underscore form: BTC/USDT ->
// BTC_USDT. The venue sends public/heartbeat requests roughly every 30 s
// and disconnects clients that fail to respond, so keepalive here is the
// application-level respond-heartbeat exchange rather than transport
// pings.
type CryptoCom struct {
	*baseAdapter
	restURL string
	reqID   atomic.Int64
}

// NewCryptoCom creates the Crypto.com adapter.
func NewCryptoCom(cfg config.ExchangeConfig, netCfg config.NetworkConfig, reconnect config.ReconnectConfig, sink Sink, events *Events, rest *RESTClient, logger zerolog.Logger) *CryptoCom {
	c := &CryptoCom{
		baseAdapter: newBaseAdapter("cryptocom", sink, events, rest,
			NewBackoff(reconnect.BaseDelay, reconnect.MaxDelay, reconnect.MaxAttempts), logger),
		restURL: strings.TrimRight(cfg.RESTURL, "/"),
	}
	c.dialURL = cfg.WSURL
	c.dialTimeout = netCfg.WSConnectTimeout
	c.userAgent = netCfg.UserAgent
	c.transportPing = false
	c.toExchange = cryptoComSymbol
	c.normalizeFallback = cryptoComNormalize
	c.makeSub = c.subMessages("subscribe")
	c.makeUnsub = c.subMessages("unsubscribe")
	c.onMessage = c.handleMessage
	c.restTicker = c.fetchTicker
	c.probe = c.ping
	return c
}

func cryptoComSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "_"))
}

func cryptoComNormalize(exSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(exSymbol, "_", "/"))
}

func (c *CryptoCom) subMessages(method string) func([]string) []interface{} {
	return func(exSymbols []string) []interface{} {
		channels := make([]string, len(exSymbols))
		for i, s := range exSymbols {
			channels[i] = "ticker." + s
		}
		return []interface{}{map[string]interface{}{
			"id":     c.reqID.Add(1),
			"method": method,
			"params": map[string]interface{}{"channels": channels},
			"nonce":  time.Now().UnixMilli(),
		}}
	}
}

type cryptoComFrame struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Code   int    `json:"code"`
	Result struct {
		Channel        string `json:"channel"`
		InstrumentName string `json:"instrument_name"`
		Data           []struct {
			Last   json.Number `json:"a"`
			Bid    json.Number `json:"b"`
			Ask    json.Number `json:"k"`
			Volume json.Number `json:"v"`
			TS     int64       `json:"t"`
		} `json:"data"`
	} `json:"result"`
}

func (c *CryptoCom) handleMessage(data []byte) error {
	var frame cryptoComFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errs.NewSourceError(errs.CodeParse, c.name, "stream", "frame", err)
	}

	if frame.Method == "public/heartbeat" {
		return c.writeJSON(map[string]interface{}{
			"id":     frame.ID,
			"method": "public/respond-heartbeat",
		})
	}
	if frame.Code != 0 {
		return errs.NewSourceError(errs.CodeExchange, c.name, "subscribe",
			fmt.Sprintf("venue code %d", frame.Code), nil)
	}
	if frame.Result.Channel != "ticker" {
		return nil
	}

	for _, tick := range frame.Result.Data {
		update, err := c.normalizeTicker(frame.Result.InstrumentName, tick.Last, tick.Bid, tick.Ask, tick.Volume, tick.TS)
		if err != nil {
			return err
		}
		c.emit(update)
	}
	return nil
}

func (c *CryptoCom) normalizeTicker(instrument string, last, bid, ask, volume json.Number, ts int64) (models.PriceUpdate, error) {
	if instrument == "" || last == "" || ts <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, c.name, "ticker",
			"payload missing instrument, price or timestamp", nil)
	}
	price, err := last.Float64()
	if err != nil || price <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, c.name, "ticker",
			fmt.Sprintf("price %q is not a positive number", last), err)
	}
	bidF, _ := bid.Float64()
	askF, _ := ask.Float64()
	volF, _ := volume.Float64()

	now := c.now()
	return models.PriceUpdate{
		Symbol:     c.Normalize(instrument),
		Price:      price,
		Timestamp:  ts,
		Volume:     volF,
		Confidence: Confidence(bidF, askF, price, volF, now.Sub(time.UnixMilli(ts))),
	}, nil
}

type cryptoComRESTResponse struct {
	Code   int `json:"code"`
	Result struct {
		Data []struct {
			InstrumentName string      `json:"i"`
			Last           json.Number `json:"a"`
			Bid            json.Number `json:"b"`
			Ask            json.Number `json:"k"`
			Volume         json.Number `json:"v"`
			TS             int64       `json:"t"`
		} `json:"data"`
	} `json:"result"`
}

func (c *CryptoCom) fetchTicker(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	url := fmt.Sprintf("%s/v2/public/get-ticker?instrument_name=%s", c.restURL, cryptoComSymbol(symbol))
	var resp cryptoComRESTResponse
	if err := c.rest.GetJSON(ctx, c.name, url, &resp); err != nil {
		return models.PriceUpdate{}, err
	}
	if resp.Code != 0 || len(resp.Result.Data) == 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeExchange, c.name, "rest_ticker",
			fmt.Sprintf("venue code %d", resp.Code), nil)
	}
	tick := resp.Result.Data[0]
	update, err := c.normalizeTicker(tick.InstrumentName, tick.Last, tick.Bid, tick.Ask, tick.Volume, tick.TS)
	if err != nil {
		return models.PriceUpdate{}, err
	}
	update.Source = c.name
	return update, nil
}

func (c *CryptoCom) ping(ctx context.Context) error {
	var out struct {
		Code int `json:"code"`
	}
	return c.rest.GetJSON(ctx, c.name, c.restURL+"/v2/public/get-instruments", &out)
}
