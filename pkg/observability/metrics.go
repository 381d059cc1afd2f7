package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
	AuthDuration      *prometheus.HistogramVec
	AuthErrorsTotal   *prometheus.CounterVec

	// Session metrics
	SessionsActive        prometheus.Gauge
	SessionRefreshesTotal *prometheus.CounterVec
	SessionSignoutsTotal  prometheus.Counter

	// Pending flow metrics
	PendingRequestsActive *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrelay_auth_attempts_total",
				Help: "Total authentication attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authrelay_auth_duration_seconds",
				Help:    "Authentication exchange duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		AuthErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrelay_auth_errors_total",
				Help: "Total authentication failures by provider and error type",
			},
			[]string{"provider", "error_type"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authrelay_sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		SessionRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrelay_session_refreshes_total",
				Help: "Total session refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		SessionSignoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authrelay_session_signouts_total",
				Help: "Total explicit session teardowns",
			},
		),
		PendingRequestsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authrelay_pending_requests_active",
				Help: "In-flight OAuth/SAML requests awaiting a callback",
			},
			[]string{"provider"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.AuthAttemptsTotal,
		m.AuthDuration,
		m.AuthErrorsTotal,
		m.SessionsActive,
		m.SessionRefreshesTotal,
		m.SessionSignoutsTotal,
		m.PendingRequestsActive,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveAuth records one authentication attempt.
func (m *Metrics) ObserveAuth(provider, outcome string, start time.Time) {
	m.AuthAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.AuthDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus scrape handler for the given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
