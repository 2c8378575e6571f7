package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/app"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

type fakeProvider struct {
	prices  map[models.FeedID]models.AggregatedPrice
	failure map[models.FeedID]error
	health  app.SystemHealth
	metrics *metrics.Metrics

	subscribed   []models.FeedID
	unsubscribed []models.FeedID
	subErr       error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prices:  make(map[models.FeedID]models.AggregatedPrice),
		failure: make(map[models.FeedID]error),
		health:  app.SystemHealth{Status: "healthy", Timestamp: time.Now()},
		metrics: metrics.New(),
	}
}

func (f *fakeProvider) GetCurrentPrice(_ context.Context, id models.FeedID) (models.AggregatedPrice, error) {
	if err, ok := f.failure[id]; ok {
		return models.AggregatedPrice{}, err
	}
	if ap, ok := f.prices[id]; ok {
		return ap, nil
	}
	return models.AggregatedPrice{}, errs.NotFound(id.String())
}

func (f *fakeProvider) GetCurrentPrices(ctx context.Context, ids []models.FeedID) ([]models.AggregatedPrice, []error) {
	prices := make([]models.AggregatedPrice, 0, len(ids))
	errList := make([]error, len(ids))
	for i, id := range ids {
		ap, err := f.GetCurrentPrice(ctx, id)
		if err != nil {
			errList[i] = err
			continue
		}
		prices = append(prices, ap)
	}
	return prices, errList
}

func (f *fakeProvider) GetSystemHealth(context.Context) app.SystemHealth { return f.health }

func (f *fakeProvider) SubscribeToFeed(id models.FeedID) error {
	f.subscribed = append(f.subscribed, id)
	return f.subErr
}

func (f *fakeProvider) UnsubscribeFromFeed(id models.FeedID) error {
	f.unsubscribed = append(f.unsubscribed, id)
	return f.subErr
}

func (f *fakeProvider) Metrics() *metrics.Metrics { return f.metrics }

func btc() models.FeedID {
	return models.FeedID{Category: models.CategoryCrypto, Name: "BTC/USD"}
}

func newTestServer(f *fakeProvider) *Server {
	return NewServer(config.DefaultConfig().HTTP, f, zerolog.Nop())
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPriceEndpointOK(t *testing.T) {
	f := newFakeProvider()
	f.prices[btc()] = models.AggregatedPrice{
		Feed: btc(), Symbol: "BTC/USD", Price: 30005,
		Timestamp: time.Now().UnixMilli(), Sources: []string{"binance", "kraken", "okx"},
		Confidence: 0.93,
	}
	s := newTestServer(f)

	rec := do(s, http.MethodGet, "/v1/price/crypto/BTC/USD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var ap models.AggregatedPrice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ap))
	assert.Equal(t, 30005.0, ap.Price)
	assert.Len(t, ap.Sources, 3)
}

func TestPriceEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", errs.NotFound("crypto:BTC/USD"), http.StatusNotFound},
		{"stale", errs.Stale("crypto:BTC/USD", 2500), http.StatusServiceUnavailable},
		{"degraded", errs.Degraded("crypto:BTC/USD", 2, 3), http.StatusServiceUnavailable},
		{"timeout", errs.RequestTimeout("crypto:BTC/USD", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeProvider()
			f.failure[btc()] = tc.err
			rec := do(newTestServer(f), http.MethodGet, "/v1/price/crypto/BTC/USD", nil)
			assert.Equal(t, tc.code, rec.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "crypto:BTC/USD", body.Feed)
		})
	}
}

func TestPriceEndpointUnknownCategory(t *testing.T) {
	rec := do(newTestServer(newFakeProvider()), http.MethodGet, "/v1/price/bonds/BTC/USD", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchEndpointPartialFailure(t *testing.T) {
	f := newFakeProvider()
	f.prices[btc()] = models.AggregatedPrice{Feed: btc(), Price: 30005, Timestamp: time.Now().UnixMilli()}
	s := newTestServer(f)

	body := []byte(`{"feeds":[{"category":"crypto","name":"BTC/USD"},{"category":"crypto","name":"DOGE/USD"}]}`)
	rec := do(s, http.MethodPost, "/v1/prices", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Prices, 1)
	require.Len(t, resp.Errors, 2)
	assert.Nil(t, resp.Errors[0])
	require.NotNil(t, resp.Errors[1])
	assert.Equal(t, "not_found", resp.Errors[1].Error)
}

func TestBatchEndpointRejectsBadBody(t *testing.T) {
	s := newTestServer(newFakeProvider())
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/prices", []byte("{")).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/prices", []byte(`{"feeds":[]}`)).Code)
}

func TestHealthEndpointStatusCodes(t *testing.T) {
	f := newFakeProvider()
	s := newTestServer(f)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", nil).Code)

	f.health.Status = "degraded"
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", nil).Code)

	f.health.Status = "unhealthy"
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health", nil).Code)
}

func TestSubscribeEndpoints(t *testing.T) {
	f := newFakeProvider()
	s := newTestServer(f)

	rec := do(s, http.MethodPost, "/v1/feeds/crypto/ETH/USD/subscribe", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.subscribed, 1)
	assert.Equal(t, "ETH/USD", f.subscribed[0].Name)

	f.subErr = errs.NotFound("crypto:ETH/USD")
	rec = do(s, http.MethodPost, "/v1/feeds/crypto/ETH/USD/unsubscribe", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFakeProvider()
	f.metrics.RecordUpdate("binance")
	rec := do(newTestServer(f), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulsefeed_updates_received_total")
}

func TestRequestLatencyRecorded(t *testing.T) {
	f := newFakeProvider()
	f.prices[btc()] = models.AggregatedPrice{Feed: btc(), Price: 30005, Timestamp: time.Now().UnixMilli()}
	do(newTestServer(f), http.MethodGet, "/v1/price/crypto/BTC/USD", nil)

	snap, err := f.metrics.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["pulsefeed_request_duration_seconds{code=200,route=/v1/price/{category}/{base}/{quote}}"])
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	rec := do(newTestServer(newFakeProvider()), http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no such route")
}
