package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Token lifecycle metrics
	ExchangeTotal *prometheus.CounterVec
	RefreshTotal  *prometheus.CounterVec
	SwitchTotal   *prometheus.CounterVec

	// Infrastructure metrics
	AuditWriteFailuresTotal *prometheus.CounterVec
	ReplayStoreErrorsTotal  *prometheus.CounterVec
	KeyRotationsTotal       *prometheus.CounterVec
	SigningKeysLoaded       prometheus.Gauge
	SigningKeyExpiredTotal  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ExchangeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantauth_exchange_total",
				Help: "Token exchange attempts by outcome",
			},
			[]string{"outcome"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantauth_refresh_total",
				Help: "Refresh token redemptions by outcome",
			},
			[]string{"outcome"},
		),
		SwitchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantauth_organization_switch_total",
				Help: "Organization switches by outcome",
			},
			[]string{"outcome"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantauth_audit_write_failures_total",
				Help: "Audit events that could not be persisted",
			},
			[]string{"event_type"},
		),
		ReplayStoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantauth_replay_store_errors_total",
				Help: "Replay store failures",
			},
			[]string{"backend"},
		),
		KeyRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantauth_key_rotations_total",
				Help: "Signing key reloads by status",
			},
			[]string{"status"},
		),
		SigningKeysLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantauth_signing_keys_loaded",
				Help: "Number of resolvable signing keys",
			},
		),
		SigningKeyExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantauth_signing_key_expired_total",
				Help: "Signing attempts refused because the current key has expired",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExchangeTotal,
		m.RefreshTotal,
		m.SwitchTotal,
		m.AuditWriteFailuresTotal,
		m.ReplayStoreErrorsTotal,
		m.KeyRotationsTotal,
		m.SigningKeysLoaded,
		m.SigningKeyExpiredTotal,
	)

	return m
}

// ObserveExchange counts an exchange outcome ("success" or a reason code)
func (m *Metrics) ObserveExchange(outcome string) {
	if m == nil {
		return
	}
	m.ExchangeTotal.WithLabelValues(outcome).Inc()
}

// ObserveRefresh counts a refresh outcome
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveSwitch counts an organization switch outcome
func (m *Metrics) ObserveSwitch(outcome string) {
	if m == nil {
		return
	}
	m.SwitchTotal.WithLabelValues(outcome).Inc()
}

// AuditWriteFailed counts an audit event that no sink accepted
func (m *Metrics) AuditWriteFailed(eventType string) {
	if m == nil {
		return
	}
	m.AuditWriteFailuresTotal.WithLabelValues(eventType).Inc()
}

// ReplayStoreFailed counts a replay store error
func (m *Metrics) ReplayStoreFailed(backend string) {
	if m == nil {
		return
	}
	m.ReplayStoreErrorsTotal.WithLabelValues(backend).Inc()
}

// KeysReloaded records a signing key reload
func (m *Metrics) KeysReloaded(err error, loaded int) {
	if m == nil {
		return
	}
	if err != nil {
		m.KeyRotationsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.KeyRotationsTotal.WithLabelValues("success").Inc()
	m.SigningKeysLoaded.Set(float64(loaded))
}

// SigningKeyExpired records a signing attempt with an expired current key
func (m *Metrics) SigningKeyExpired() {
	if m == nil {
		return
	}
	m.SigningKeyExpiredTotal.Inc()
}

// responseWriter captures the status code written by a handler
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
