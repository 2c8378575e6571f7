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

// OKX streams the v5 tickers channel and falls back to
// /api/v5/market/ticker. Symbols take dash form: BTC/USDT -> BTC-USDT.
type OKX struct {
	*baseAdapter
	restURL string
}

// NewOKX creates the OKX adapter.
func NewOKX(cfg config.ExchangeConfig, netCfg config.NetworkConfig, reconnect config.ReconnectConfig, sink Sink, events *Events, rest *RESTClient, logger zerolog.Logger) *OKX {
	o := &OKX{
		baseAdapter: newBaseAdapter("okx", sink, events, rest,
			NewBackoff(reconnect.BaseDelay, reconnect.MaxDelay, reconnect.MaxAttempts), logger),
		restURL: strings.TrimRight(cfg.RESTURL, "/"),
	}
	o.dialURL = cfg.WSURL
	o.dialTimeout = netCfg.WSConnectTimeout
	o.userAgent = netCfg.UserAgent
	o.transportPing = true
	o.toExchange = okxSymbol
	o.normalizeFallback = okxNormalize
	o.makeSub = okxSubMessages("subscribe")
	o.makeUnsub = okxSubMessages("unsubscribe")
	o.onMessage = o.handleMessage
	o.restTicker = o.fetchTicker
	o.probe = o.ping
	return o
}

func okxSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
}

func okxNormalize(exSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(exSymbol, "-", "/"))
}

func okxSubMessages(op string) func([]string) []interface{} {
	return func(exSymbols []string) []interface{} {
		args := make([]map[string]string, len(exSymbols))
		for i, s := range exSymbols {
			args[i] = map[string]string{"channel": "tickers", "instId": s}
		}
		return []interface{}{map[string]interface{}{"op": op, "args": args}}
	}
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
	Vol    string `json:"vol24h"`
	TS     string `json:"ts"`
}

type okxFrame struct {
	Event string `json:"event"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []okxTicker `json:"data"`
}

func (o *OKX) handleMessage(data []byte) error {
	var frame okxFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errs.NewSourceError(errs.CodeParse, o.name, "stream", "frame", err)
	}
	if frame.Event == "error" {
		return errs.NewSourceError(errs.CodeExchange, o.name, "subscribe", frame.Msg, nil)
	}
	if frame.Arg.Channel != "tickers" {
		return nil
	}
	for _, tick := range frame.Data {
		update, err := o.normalizeTicker(tick)
		if err != nil {
			return err
		}
		o.emit(update)
	}
	return nil
}

func (o *OKX) normalizeTicker(tick okxTicker) (models.PriceUpdate, error) {
	if tick.InstID == "" || tick.Last == "" || tick.TS == "" {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, o.name, "ticker",
			"payload missing instId, price or timestamp", nil)
	}
	price, err := strconv.ParseFloat(tick.Last, 64)
	if err != nil || price <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, o.name, "ticker",
			fmt.Sprintf("price %q is not a positive number", tick.Last), err)
	}
	ts, err := strconv.ParseInt(tick.TS, 10, 64)
	if err != nil || ts <= 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeParse, o.name, "ticker",
			fmt.Sprintf("timestamp %q invalid", tick.TS), err)
	}
	bid, _ := strconv.ParseFloat(tick.BidPx, 64)
	ask, _ := strconv.ParseFloat(tick.AskPx, 64)
	volume, _ := strconv.ParseFloat(tick.Vol, 64)

	now := o.now()
	return models.PriceUpdate{
		Symbol:     o.Normalize(tick.InstID),
		Price:      price,
		Timestamp:  ts,
		Volume:     volume,
		Confidence: Confidence(bid, ask, price, volume, now.Sub(time.UnixMilli(ts))),
	}, nil
}

type okxRESTResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data []okxTicker `json:"data"`
}

func (o *OKX) fetchTicker(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	url := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", o.restURL, okxSymbol(symbol))
	var resp okxRESTResponse
	if err := o.rest.GetJSON(ctx, o.name, url, &resp); err != nil {
		return models.PriceUpdate{}, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return models.PriceUpdate{}, errs.NewSourceError(errs.CodeExchange, o.name, "rest_ticker",
			fmt.Sprintf("code %s: %s", resp.Code, resp.Msg), nil)
	}
	update, err := o.normalizeTicker(resp.Data[0])
	if err != nil {
		return models.PriceUpdate{}, err
	}
	update.Source = o.name
	return update, nil
}

func (o *OKX) ping(ctx context.Context) error {
	var out struct {
		Code string `json:"code"`
	}
	return o.rest.GetJSON(ctx, o.name, o.restURL+"/api/v5/public/time", &out)
}
