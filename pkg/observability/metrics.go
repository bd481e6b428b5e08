package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Rate limiter metrics
	RateLimitDecisions    *prometheus.CounterVec
	RateLimitStoreErrors  *prometheus.CounterVec
	RateLimitStoreLatency *prometheus.HistogramVec

	// Entitlement metrics
	EntitlementDecisions *prometheus.CounterVec
	PlanFallbacks        *prometheus.CounterVec
	UsageIncrements      *prometheus.CounterVec
	ReservationReleases  *prometheus.CounterVec

	// Audit metrics
	SecurityEventsTotal *prometheus.CounterVec
	SecurityEventErrors *prometheus.CounterVec

	// Catalog metrics
	CatalogReloads *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_ratelimit_decisions_total",
				Help: "Rate limit decisions by tier and result",
			},
			[]string{"tier", "result"},
		),
		RateLimitStoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_ratelimit_store_errors_total",
				Help: "Rate limit store failures by operation",
			},
			[]string{"operation"},
		),
		RateLimitStoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_ratelimit_store_duration_seconds",
				Help:    "Rate limit store round-trip duration",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
			},
			[]string{"operation"},
		),

		EntitlementDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_entitlement_decisions_total",
				Help: "Entitlement decisions by action, plan and result",
			},
			[]string{"action", "plan", "result"},
		),
		PlanFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_plan_fallbacks_total",
				Help: "Resolutions that fell back to the free plan",
			},
			[]string{"reason"},
		),
		UsageIncrements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_usage_increments_total",
				Help: "Usage ledger increments by field",
			},
			[]string{"field"},
		),
		ReservationReleases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_reservation_releases_total",
				Help: "Usage reservations rolled back after a failed action",
			},
			[]string{"action"},
		),

		SecurityEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_security_events_total",
				Help: "Security events emitted by type and severity",
			},
			[]string{"event_type", "severity"},
		),
		SecurityEventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_security_event_errors_total",
				Help: "Security events that could not be written",
			},
			[]string{"sink"},
		),

		CatalogReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_catalog_reloads_total",
				Help: "Plan catalog reload attempts by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitDecisions,
		m.RateLimitStoreErrors,
		m.RateLimitStoreLatency,
		m.EntitlementDecisions,
		m.PlanFallbacks,
		m.UsageIncrements,
		m.ReservationReleases,
		m.SecurityEventsTotal,
		m.SecurityEventErrors,
		m.CatalogReloads,
	)

	return m
}

// responseWriter captures the status code written by the handler
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and latency. routeName maps a
// request to a low-cardinality route label.
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
