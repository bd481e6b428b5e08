// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry wiring and graceful shutdown for gatekeeper.
//
// # Structured Logging
//
// Logger wraps log/slog with a JSON handler:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Warn("unknown plan, using free")
//
// Request-scoped loggers are stored in the context by the HTTP logging
// middleware and retrieved with FromContext.
//
// # Prometheus Metrics
//
// All series are prefixed gatekeeper_. Rate limit and entitlement decisions
// are counted by tier/plan and result; store failures, plan fallbacks and
// security events each have their own counter.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RateLimitDecisions.WithLabelValues("pro", "denied").Inc()
//
// # Health Checks
//
// HealthChecker pings Postgres and Redis in parallel. Postgres is always
// required; Redis is required only when it backs the counters.
//
// # OpenTelemetry
//
// InitOTel exports traces and metrics over OTLP/gRPC. InstrumentHandler wraps
// the router with otelhttp server spans.
package observability
