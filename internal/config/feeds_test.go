package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/models"
)

func TestParseFeeds(t *testing.T) {
	data := []byte(`[
		{"feed": {"category": 1, "name": "BTC/USD"},
		 "sources": [
			{"exchange": "binance", "symbol": "BTCUSDT"},
			{"exchange": "kraken", "symbol": "XBT/USD"},
			{"exchange": "coinbase", "symbol": "BTC-USD"}
		 ]},
		{"feed": {"category": 2, "name": "EUR/USD"},
		 "sources": [
			{"exchange": "oanda", "symbol": "EUR_USD"},
			{"exchange": "fxcm", "symbol": "EUR/USD"}
		 ]}
	]`)

	specs, err := ParseFeeds(data)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	btc := specs[0]
	assert.Equal(t, models.FeedID{Category: models.CategoryCrypto, Name: "BTC/USD"}, btc.Feed)
	require.Len(t, btc.Sources, 3)
	assert.Equal(t, "binance", btc.Sources[0].Exchange)
	assert.Equal(t, "BTCUSDT", btc.Sources[0].Symbol)

	eur := specs[1]
	assert.Equal(t, models.CategoryForex, eur.Feed.Category)
	assert.Len(t, eur.Sources, 2)
}

func TestParseFeedsFiltersPerpetualTags(t *testing.T) {
	data := []byte(`[
		{"feed": {"category": 1, "name": "ETH/USDT"},
		 "sources": [
			{"exchange": "binance", "symbol": "ETHUSDT"},
			{"exchange": "okx", "symbol": "ETH-USDT:USDT"},
			{"exchange": "bybit", "symbol": "ETH/USDT:SETTLED"}
		 ]}
	]`)

	specs, err := ParseFeeds(data)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	// Both colon-tagged symbols are dropped.
	require.Len(t, specs[0].Sources, 1)
	assert.Equal(t, "binance", specs[0].Sources[0].Exchange)
}

func TestParseFeedsCanonicalizesUSDT(t *testing.T) {
	data := []byte(`[
		{"feed": {"category": 1, "name": "BTC/USDT"},
		 "sources": [{"exchange": "binance", "symbol": "BTCUSDT"}]},
		{"feed": {"category": 1, "name": "BTC/USD"},
		 "sources": [
			{"exchange": "kraken", "symbol": "XBT/USD"},
			{"exchange": "binance", "symbol": "BTCUSDT"}
		 ]}
	]`)

	specs, err := ParseFeeds(data)
	require.NoError(t, err)
	// BTC/USDT and BTC/USD are the same feed after quote folding, and the
	// duplicate binance source collapses.
	require.Len(t, specs, 1)
	assert.Equal(t, "BTC/USD", specs[0].Feed.Name)
	assert.Len(t, specs[0].Sources, 2)
}

func TestParseFeedsRejectsBadRecords(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"unknown_category", `[{"feed": {"category": 9, "name": "BTC/USD"}, "sources": []}]`},
		{"not_a_pair", `[{"feed": {"category": 1, "name": "BTCUSD"}, "sources": []}]`},
		{"empty_exchange", `[{"feed": {"category": 1, "name": "BTC/USD"},
			"sources": [{"exchange": "", "symbol": "BTCUSD"}]}]`},
		{"not_json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFeeds([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestCanonicalPair(t *testing.T) {
	assert.Equal(t, "BTC/USD", CanonicalPair("btc/usdt"))
	assert.Equal(t, "BTC/USD", CanonicalPair("BTC/USD"))
	assert.Equal(t, "ETH/EUR", CanonicalPair("eth/eur"))
	assert.Equal(t, "SOL/USD", CanonicalPair(" SOL/USDT "))
}
