package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authzDecisions  *prometheus.CounterVec
	auditEvents     *prometheus.CounterVec
}

// NewMetrics initialises the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrilog_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrilog_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	authz := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrilog_authz_decisions_total",
		Help: "Authorization gate decisions by result.",
	}, []string{"result"})
	auditEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrilog_audit_records_total",
		Help: "Audit recorder outcomes: enqueued, written, failed or dropped.",
	}, []string{"outcome", "reason"})
	registry.MustRegister(requests, duration, authz, auditEvents)
	// Pre-initialise label sets so dashboards see zeros.
	authz.WithLabelValues("allow")
	authz.WithLabelValues("deny")
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		authzDecisions:  authz,
		auditEvents:     auditEvents,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveAuthzDecision counts one gate decision.
func (m *Metrics) ObserveAuthzDecision(allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.authzDecisions.WithLabelValues(result).Inc()
}

// AuditEnqueued counts an entry accepted by the recorder.
func (m *Metrics) AuditEnqueued() { m.audit("enqueued", "") }

// AuditWritten counts an entry persisted by the recorder.
func (m *Metrics) AuditWritten() { m.audit("written", "") }

// AuditFailed counts an entry abandoned after exhausting retries.
func (m *Metrics) AuditFailed() { m.audit("failed", "") }

// AuditDropped counts an entry rejected before persistence.
func (m *Metrics) AuditDropped(reason string) { m.audit("dropped", reason) }

func (m *Metrics) audit(outcome, reason string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(outcome, reason).Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
