package exchange

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
)

// NativeExchanges lists the venues with tier-1 streaming adapters.
var NativeExchanges = []string{"binance", "kraken", "okx", "cryptocom", "coinbase"}

// IsNative reports whether the named venue has a tier-1 adapter.
func IsNative(name string) bool {
	for _, n := range NativeExchanges {
		if n == strings.ToLower(name) {
			return true
		}
	}
	return false
}

// New builds the adapter for a venue. Known names get their native
// adapter; anything else routes through the bridge with the name used
// verbatim as the gateway exchange id.
func New(name string, cfg *config.Config, sink Sink, events *Events, rest *RESTClient, logger zerolog.Logger) Adapter {
	name = strings.ToLower(name)
	exCfg := cfg.Exchanges[name]

	if host := restHost(exCfg.RESTURL); host != "" && exCfg.RPS > 0 {
		rest.SetHostLimits(host, HostLimits{RPS: exCfg.RPS, Burst: exCfg.Burst})
	}

	switch name {
	case "binance":
		return NewBinance(exCfg, cfg.Network, cfg.Reconnect, sink, events, rest, logger)
	case "kraken":
		return NewKraken(exCfg, cfg.Network, cfg.Reconnect, sink, events, rest, logger)
	case "okx":
		return NewOKX(exCfg, cfg.Network, cfg.Reconnect, sink, events, rest, logger)
	case "cryptocom":
		return NewCryptoCom(exCfg, cfg.Network, cfg.Reconnect, sink, events, rest, logger)
	case "coinbase":
		return NewCoinbase(exCfg, cfg.Network, cfg.Reconnect, sink, events, rest, logger)
	default:
		if host := restHost(cfg.Bridge.BaseURL); host != "" && cfg.Bridge.RPS > 0 {
			rest.SetHostLimits(host, HostLimits{RPS: cfg.Bridge.RPS, Burst: cfg.Bridge.Burst})
		}
		return NewBridge(name, cfg.Bridge, cfg.Reconnect, sink, events, rest, logger)
	}
}

func restHost(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
