// Package metrics defines the Prometheus metric collectors used by the index
// services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the index services.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	QueriesTotal         *prometheus.CounterVec
	QueryLatency         *prometheus.HistogramVec
	QueryResultsCount    prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	DocumentUpdatesTotal *prometheus.CounterVec
	MergesTotal          *prometheus.CounterVec
	MergeDuration        prometheus.Histogram
	IndexDocuments       *prometheus.GaugeVec
	DeltaDocuments       *prometheus.GaugeVec
	DeltaBytes           *prometheus.GaugeVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_queries_total",
				Help: "Total index queries by match mode and outcome (hit, zero_result, error).",
			},
			[]string{"mode", "outcome"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_query_latency_seconds",
				Help:    "Query latency in seconds; cache_status is hit or miss for API queries and engine for one scope.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		QueryResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_query_words",
				Help:    "Number of matching words returned per query.",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		DocumentUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_document_updates_total",
				Help: "Document updates applied to the delta by operation (put, delete).",
			},
			[]string{"op"},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_merges_total",
				Help: "Total delta merges by status.",
			},
			[]string{"status"},
		),
		MergeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_merge_duration_seconds",
				Help:    "Time spent writing a merged index file.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		IndexDocuments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_documents",
				Help: "Number of documents in the committed index file per scope.",
			},
			[]string{"scope"},
		),
		DeltaDocuments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_delta_documents",
				Help: "Number of documents changed in memory and not yet merged, per scope.",
			},
			[]string{"scope"},
		),
		DeltaBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_delta_bytes",
				Help: "Estimated size of the in-memory delta per scope.",
			},
			[]string{"scope"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocumentUpdatesTotal,
		m.MergesTotal,
		m.MergeDuration,
		m.IndexDocuments,
		m.DeltaDocuments,
		m.DeltaBytes,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
