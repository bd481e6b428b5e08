package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/honestinvoice/gatekeeper/pkg/apikeys"
	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

const (
	// APIKeyHeader carries the raw API key
	APIKeyHeader = "X-API-Key"
	// RoleAPIKey marks principals authenticated by API key
	RoleAPIKey = "api_key"

	CodeMissingAPIKey = "MISSING_API_KEY"
	CodeInvalidAPIKey = "INVALID_API_KEY"
)

// KeyAuthenticator resolves a raw key to an active key record.
// apikeys.Store satisfies it.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (*apikeys.Key, error)
}

// APIKeyAuth authenticates integrations by API key and meters every call
// against the api_call entitlement
type APIKeyAuth struct {
	keys   KeyAuthenticator
	gate   *entitlements.Gate
	limit  func(http.Handler) http.Handler
	events audit.Sink
	logger *observability.Logger
}

// APIKeyOption configures an APIKeyAuth
type APIKeyOption func(*APIKeyAuth)

// WithKeyRateLimit puts rl between authentication and metering
func WithKeyRateLimit(rl *RateLimit) APIKeyOption {
	return func(a *APIKeyAuth) { a.limit = rl.Handler }
}

// WithKeyEvents records rejected keys to sink
func WithKeyEvents(sink audit.Sink) APIKeyOption {
	return func(a *APIKeyAuth) { a.events = sink }
}

// WithKeyLogger sets the logger
func WithKeyLogger(logger *observability.Logger) APIKeyOption {
	return func(a *APIKeyAuth) { a.logger = logger }
}

// NewAPIKeyAuth creates the middleware
func NewAPIKeyAuth(keys KeyAuthenticator, gate *entitlements.Gate, opts ...APIKeyOption) *APIKeyAuth {
	a := &APIKeyAuth{
		keys:   keys,
		gate:   gate,
		limit:  func(h http.Handler) http.Handler { return h },
		events: audit.NoopSink{},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler authenticates the key, applies the rate limit and reserves one
// api_call before calling next
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	metered := a.limit(a.meter(next))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if raw == "" {
			a.reject(w, r, CodeMissingAPIKey, "API key is required")
			return
		}

		ctx := r.Context()
		key, err := a.keys.Authenticate(ctx, raw)
		if errors.Is(err, apikeys.ErrInvalidKey) {
			a.reject(w, r, CodeInvalidAPIKey, "invalid or inactive API key")
			return
		}
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("API key lookup failed")
			httputil.WriteInternalError(w)
			return
		}

		principal := &Principal{TenantID: key.TenantID, Role: RoleAPIKey}
		ctx = contextkeys.WithPrincipal(ctx, principal)
		ctx = contextkeys.WithTenantID(ctx, key.TenantID)
		if logger, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
			ctx = observability.ContextWithLogger(ctx, logger.WithFields(map[string]interface{}{
				"tenant_id":  key.TenantID,
				"api_key_id": key.ID.String(),
			}))
		}
		metered.ServeHTTP(w, r.WithContext(ctx))
	})
}

// meter reserves an api_call, commits it when the handler answers below 500
// and releases it otherwise
func (a *APIKeyAuth) meter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID := contextkeys.GetTenantID(ctx)

		res, d, err := a.gate.Reserve(ctx, tenantID, entitlements.ActionAPICall)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("api_call entitlement check failed")
			httputil.WriteInternalError(w)
			return
		}
		if !d.Allowed {
			WriteEntitlementDenial(w, d)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		settle, verb := res.Commit, "record"
		if sw.status >= http.StatusInternalServerError {
			settle, verb = res.Release, "release"
		}
		if err := settle(ctx); err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("failed to " + verb + " api_call usage")
		}
	})
}

func (a *APIKeyAuth) reject(w http.ResponseWriter, r *http.Request, code, reason string) {
	recordUnauthorized(r, a.events, a.logger, reason, map[string]any{"credential": "api_key"})
	w.Header().Set("WWW-Authenticate", `ApiKey header="`+APIKeyHeader+`"`)
	httputil.WriteErrorCode(w, http.StatusUnauthorized, code, reason, nil)
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
