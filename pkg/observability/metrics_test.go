package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RateLimitDecisions.WithLabelValues("free", "allowed").Inc()
	m.EntitlementDecisions.WithLabelValues("create_invoice", "free", "denied").Inc()
	m.PlanFallbacks.WithLabelValues("unknown_plan").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("free", "allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PlanFallbacks.WithLabelValues("unknown_plan")))

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.True(t, strings.HasPrefix(mf.GetName(), "gatekeeper_"), mf.GetName())
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m, func(*http.Request) string { return "/v1/invoices" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/invoices", "429")))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.SecurityEventsTotal.WithLabelValues("ip_blocked", "critical").Inc()

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), `gatekeeper_security_events_total{event_type="ip_blocked",severity="critical"} 1`)
}
