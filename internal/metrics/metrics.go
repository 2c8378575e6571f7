// Package metrics owns the prometheus registry for the process. Pipeline
// components record events through typed helpers and never touch
// prometheus types directly.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles every collector on a private registry so tests can run
// in parallel without default-registry collisions.
type Metrics struct {
	registry *prometheus.Registry

	updatesReceived  *prometheus.CounterVec
	updatesRejected  *prometheus.CounterVec
	sourceErrors     *prometheus.CounterVec
	aggregations     *prometheus.CounterVec
	emissions        prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	warmFetches      *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	connectedSources prometheus.Gauge
	registeredFeeds  prometheus.Gauge
	alertsEmitted    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	restFetches      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		updatesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_updates_received_total",
			Help: "Price updates received per source.",
		}, []string{"source"}),
		updatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_updates_rejected_total",
			Help: "Updates rejected by the validator per source and check.",
		}, []string{"source", "check"}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_source_errors_total",
			Help: "Classified source errors per source and code.",
		}, []string{"source", "code"}),
		aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_aggregations_total",
			Help: "Aggregation outcomes.",
		}, []string{"outcome"}),
		emissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsefeed_emissions_total",
			Help: "Aggregates published past the emission policy.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsefeed_cache_hits_total",
			Help: "Freshness cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsefeed_cache_misses_total",
			Help: "Freshness cache misses, including staleness bypasses.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsefeed_cache_evictions_total",
			Help: "Entries evicted from the freshness cache.",
		}),
		warmFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_warm_fetches_total",
			Help: "Cache warmer fetches per outcome.",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulsefeed_breaker_state",
			Help: "Circuit state per source: 0 closed, 1 open, 2 half-open.",
		}, []string{"source"}),
		connectedSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsefeed_connected_sources",
			Help: "Sources currently in the connected state.",
		}),
		registeredFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsefeed_registered_feeds",
			Help: "Feeds currently registered for aggregation.",
		}),
		alertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_alerts_emitted_total",
			Help: "Alerts emitted per rule and severity.",
		}, []string{"rule", "severity"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsefeed_request_duration_seconds",
			Help:    "Public API request latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"route", "code"}),
		restFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_rest_fetches_total",
			Help: "Warm REST tier fetches per host and outcome.",
		}, []string{"host", "outcome"}),
	}

	m.registry.MustRegister(
		m.updatesReceived, m.updatesRejected, m.sourceErrors,
		m.aggregations, m.emissions,
		m.cacheHits, m.cacheMisses, m.cacheEvictions, m.warmFetches,
		m.breakerState, m.connectedSources, m.registeredFeeds,
		m.alertsEmitted, m.requestDuration, m.restFetches,
	)
	return m
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUpdate counts one received update.
func (m *Metrics) RecordUpdate(source string) {
	m.updatesReceived.WithLabelValues(source).Inc()
}

// RecordRejection counts one validator rejection.
func (m *Metrics) RecordRejection(source, check string) {
	m.updatesRejected.WithLabelValues(source, check).Inc()
}

// RecordSourceError counts one classified source error.
func (m *Metrics) RecordSourceError(source, code string) {
	m.sourceErrors.WithLabelValues(source, code).Inc()
}

// RecordAggregation counts one aggregation outcome.
func (m *Metrics) RecordAggregation(ok bool) {
	if ok {
		m.aggregations.WithLabelValues("success").Inc()
	} else {
		m.aggregations.WithLabelValues("failure").Inc()
	}
}

// RecordEmission counts one published aggregate.
func (m *Metrics) RecordEmission() { m.emissions.Inc() }

// RecordCache counts one cache lookup.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordEviction counts evicted cache entries.
func (m *Metrics) RecordEviction(n int) {
	m.cacheEvictions.Add(float64(n))
}

// RecordWarmFetch counts one warmer fetch.
func (m *Metrics) RecordWarmFetch(ok bool) {
	if ok {
		m.warmFetches.WithLabelValues("success").Inc()
	} else {
		m.warmFetches.WithLabelValues("failure").Inc()
	}
}

// SetBreakerState records a source's circuit state.
func (m *Metrics) SetBreakerState(source string, state int) {
	m.breakerState.WithLabelValues(source).Set(float64(state))
}

// SetConnectedSources records the connected source count.
func (m *Metrics) SetConnectedSources(n int) {
	m.connectedSources.Set(float64(n))
}

// SetRegisteredFeeds records the registered feed count.
func (m *Metrics) SetRegisteredFeeds(n int) {
	m.registeredFeeds.Set(float64(n))
}

// RecordAlert counts one emitted alert.
func (m *Metrics) RecordAlert(rule, severity string) {
	m.alertsEmitted.WithLabelValues(rule, severity).Inc()
}

// ObserveRequest records one public API request.
func (m *Metrics) ObserveRequest(route string, code int, seconds float64) {
	m.requestDuration.WithLabelValues(route, fmt.Sprintf("%d", code)).Observe(seconds)
}

// RecordRESTFetch counts one warm REST tier fetch.
func (m *Metrics) RecordRESTFetch(host string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.restFetches.WithLabelValues(host, outcome).Inc()
}

// Snapshot gathers every metric into a flat name{labels} -> value map for
// the health report and tests. Histograms report their sample count.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, pm := range mf.GetMetric() {
			key := mf.GetName() + labelKey(pm)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = pm.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = pm.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key] = float64(pm.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}

func labelKey(pm *dto.Metric) string {
	if len(pm.GetLabel()) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(pm.GetLabel()))
	for _, lp := range pm.GetLabel() {
		pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
