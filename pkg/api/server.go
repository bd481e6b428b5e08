package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/invoices"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/ratelimit"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
	"github.com/honestinvoice/gatekeeper/pkg/team"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

// InvoiceService creates and reads invoices
type InvoiceService interface {
	Create(ctx context.Context, tenantID string, req *invoices.CreateRequest) (*invoices.Invoice, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*invoices.Invoice, error)
	List(ctx context.Context, tenantID string, limit int) ([]*invoices.Invoice, error)
}

// TeamService manages team members
type TeamService interface {
	Add(ctx context.Context, tenantID string, req *team.AddRequest) (*team.Member, error)
	Remove(ctx context.Context, tenantID string, id uuid.UUID) error
	List(ctx context.Context, tenantID string) ([]*team.Member, error)
}

// UsageHistory lists past months of usage
type UsageHistory interface {
	History(ctx context.Context, tenantID string, months int) ([]usage.Record, error)
}

// PlanCatalog resolves and lists plans
type PlanCatalog interface {
	plans.Catalog
	plans.Lister
}

// Config holds the server's collaborators. Optional fields may be nil;
// their routes are then not registered.
type Config struct {
	Gate          *entitlements.Gate
	Catalog       PlanCatalog
	Limiter       *ratelimit.Limiter
	Auth          *middleware.Authenticator
	Subscriptions subscriptions.Manager
	Audit         audit.Store
	Invoices      InvoiceService
	Team          TeamService
	History       UsageHistory
	APIKeys       APIKeyStore
	Health        *observability.HealthChecker
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *observability.Logger

	// RateLimitEnabled puts the limiter in front of guarded writes
	RateLimitEnabled bool
	TrustProxy       bool
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
}

// Server represents our API server
type Server struct {
	cfg    Config
	router *mux.Router
	limit  func(http.Handler) http.Handler
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{cfg: cfg, router: mux.NewRouter()}
	s.limit = func(h http.Handler) http.Handler { return h }
	if cfg.RateLimitEnabled && cfg.Limiter != nil {
		s.limit = middleware.NewRateLimit(cfg.Limiter, middleware.PlanTier(cfg.Gate), nil).Handler
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	chain := []mux.MiddlewareFunc{
		httputil.RequestIDMiddleware,
		httputil.ClientIPMiddleware(s.cfg.TrustProxy),
		httputil.LoggingMiddleware(s.cfg.Logger),
		httputil.RecoveryMiddleware(s.cfg.Logger),
		httputil.TimeoutMiddleware(s.cfg.RequestTimeout),
		httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	}
	if s.cfg.Metrics != nil {
		chain = append(chain, observability.HTTPMetricsMiddleware(s.cfg.Metrics, routeLabel))
	}
	s.router.Use(chain...)

	if s.cfg.Health != nil {
		s.router.HandleFunc("/health/live", s.cfg.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", s.cfg.Health.Readiness).Methods("GET")
	}
	if s.cfg.Gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.cfg.Gatherer)).Methods("GET")
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.cfg.Auth.Handler)

	entitlementHandlers := NewEntitlementHandlers(s.cfg.Gate, s.cfg.Catalog, s.cfg.History)
	entitlementHandlers.RegisterRoutes(v1, s.limit)
	if s.cfg.Limiter != nil {
		NewRateLimitHandlers(s.cfg.Limiter, s.cfg.Gate).RegisterRoutes(v1)
	}
	if s.cfg.Invoices != nil {
		NewInvoiceHandlers(s.cfg.Invoices).RegisterRoutes(v1, s.limit)
	}
	if s.cfg.Team != nil {
		NewTeamHandlers(s.cfg.Team).RegisterRoutes(v1, s.limit)
	}

	if s.cfg.Subscriptions != nil && s.cfg.Audit != nil {
		admin := v1.PathPrefix("/admin").Subrouter()
		admin.Use(middleware.RequireAdmin)
		NewAdminHandlers(s.cfg.Subscriptions, s.cfg.Catalog, s.cfg.Audit).RegisterRoutes(admin)
	}

	if s.cfg.APIKeys != nil {
		NewAPIKeyHandlers(s.cfg.APIKeys, s.cfg.Gate).RegisterRoutes(v1, s.limit)
		s.setupKeyRoutes(entitlementHandlers)
	}
}

// setupKeyRoutes registers the /api/v1 surface for integrations that
// authenticate with X-API-Key. Every call is metered as an api_call.
func (s *Server) setupKeyRoutes(entitlementHandlers *EntitlementHandlers) {
	opts := []middleware.APIKeyOption{middleware.WithKeyLogger(s.cfg.Logger)}
	if s.cfg.Audit != nil {
		opts = append(opts, middleware.WithKeyEvents(s.cfg.Audit))
	}
	if s.cfg.RateLimitEnabled && s.cfg.Limiter != nil {
		rl := middleware.NewRateLimit(s.cfg.Limiter, middleware.PlanTier(s.cfg.Gate), nil)
		opts = append(opts, middleware.WithKeyRateLimit(rl))
	}

	ext := s.router.PathPrefix("/api/v1").Subrouter()
	ext.Use(middleware.NewAPIKeyAuth(s.cfg.APIKeys, s.cfg.Gate, opts...).Handler)
	ext.HandleFunc("/me", entitlementHandlers.GetEntitlements).Methods("GET")
	if s.cfg.Invoices != nil {
		NewInvoiceHandlers(s.cfg.Invoices).RegisterRoutes(ext, func(h http.Handler) http.Handler { return h })
	}
}

// routeLabel keeps the metrics route label low-cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// tenantID returns the authenticated tenant
func tenantID(r *http.Request) string {
	if p := middleware.GetPrincipal(r); p != nil {
		return p.TenantID
	}
	return ""
}
