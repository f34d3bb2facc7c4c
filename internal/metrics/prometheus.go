// Package metrics exposes Prometheus instrumentation for the authorization
// server: grant outcomes, revocations, HTTP latency and rate limiting.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors behind a private registry.
type Metrics struct {
	grantsTotal      *prometheus.CounterVec
	revocationsTotal prometheus.Counter
	rateLimitedTotal prometheus.Counter

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	activeRequests    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the server metrics under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	grantsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Total number of token grant attempts by grant type and outcome",
		},
		[]string{"grant_type", "outcome"},
	)

	revocationsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Total number of token revocations",
		},
	)

	rateLimitedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// Token endpoint latency is dominated by bcrypt and RSA signing, so
	// buckets reach into hundreds of milliseconds.
	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	activeRequests := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently in flight",
		},
	)

	registry.MustRegister(
		grantsTotal,
		revocationsTotal,
		rateLimitedTotal,
		httpRequestsTotal,
		httpDuration,
		activeRequests,
	)

	return &Metrics{
		grantsTotal:       grantsTotal,
		revocationsTotal:  revocationsTotal,
		rateLimitedTotal:  rateLimitedTotal,
		httpRequestsTotal: httpRequestsTotal,
		httpDuration:      httpDuration,
		activeRequests:    activeRequests,
		registry:          registry,
	}
}

// RecordGrant counts one grant attempt. Outcome is "success" or the OAuth
// error code.
func (m *Metrics) RecordGrant(grantType, outcome string) {
	m.grantsTotal.WithLabelValues(grantType, outcome).Inc()
}

// RecordRevocation counts one revoked token.
func (m *Metrics) RecordRevocation() {
	m.revocationsTotal.Inc()
}

// RecordRateLimited counts one request rejected by the limiter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimitedTotal.Inc()
}

// RecordHTTPRequest records one finished HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RequestStarted increments the in-flight gauge; the returned func decrements it.
func (m *Metrics) RequestStarted() func() {
	m.activeRequests.Inc()
	return m.activeRequests.Dec
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
