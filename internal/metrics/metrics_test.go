package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReflectsRecordedEvents(t *testing.T) {
	m := New()

	m.RecordUpdate("binance")
	m.RecordUpdate("binance")
	m.RecordUpdate("kraken")
	m.RecordRejection("binance", "range")
	m.RecordCache(true)
	m.RecordCache(false)
	m.RecordAggregation(true)
	m.RecordAggregation(false)
	m.SetConnectedSources(4)
	m.SetBreakerState("binance", 1)
	m.ObserveRequest("/v1/price", 200, 0.004)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, 2.0, snap["pulsefeed_updates_received_total{source=binance}"])
	assert.Equal(t, 1.0, snap["pulsefeed_updates_received_total{source=kraken}"])
	assert.Equal(t, 1.0, snap["pulsefeed_updates_rejected_total{check=range,source=binance}"])
	assert.Equal(t, 1.0, snap["pulsefeed_cache_hits_total"])
	assert.Equal(t, 1.0, snap["pulsefeed_cache_misses_total"])
	assert.Equal(t, 1.0, snap["pulsefeed_aggregations_total{outcome=success}"])
	assert.Equal(t, 4.0, snap["pulsefeed_connected_sources"])
	assert.Equal(t, 1.0, snap["pulsefeed_breaker_state{source=binance}"])
	assert.Equal(t, 1.0, snap["pulsefeed_request_duration_seconds{code=200,route=/v1/price}"])
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.RecordUpdate("binance")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulsefeed_updates_received_total")
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.RecordUpdate("binance")

	snap, err := b.Snapshot()
	require.NoError(t, err)
	_, ok := snap["pulsefeed_updates_received_total{source=binance}"]
	assert.False(t, ok)
}
