// Package metrics defines the Prometheus collectors used by the analyzer,
// the pipeline and the HTTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Remote call results recorded in RemoteCallsTotal.
const (
	ResultOK          = "ok"
	ResultRateLimited = "rate_limited"
	ResultHTTPError   = "http_error"
	ResultTransport   = "transport_error"
	ResultMalformed   = "malformed"
)

// Metrics holds all collectors for one registry.
type Metrics struct {
	RemoteCallsTotal    *prometheus.CounterVec
	RateLimitRetries    prometheus.Counter
	ReviewsTotal        *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg gets a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		RemoteCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentiscore_remote_calls_total",
				Help: "Chat-completion attempts by result (ok, rate_limited, http_error, transport_error, malformed).",
			},
			[]string{"result"},
		),
		RateLimitRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sentiscore_rate_limit_retries_total",
				Help: "Backoff waits taken after a rate-limited attempt.",
			},
		),
		ReviewsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentiscore_reviews_total",
				Help: "Reviews processed by outcome label (positive, negative, neutral, skipped).",
			},
			[]string{"label"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentiscore_run_duration_seconds",
				Help:    "Wall time of one aggregation run.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"method", "path"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.RemoteCallsTotal,
		m.RateLimitRetries,
		m.ReviewsTotal,
		m.RunDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
