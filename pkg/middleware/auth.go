package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// RoleAdmin marks operator tokens
const RoleAdmin = "admin"

// Principal is the authenticated caller
type Principal struct {
	TenantID  string
	Role      string
	ExpiresAt time.Time
}

// IsAdmin reports whether the principal may use admin routes
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// Claims are the JWT claims accepted by the Authenticator
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens
type Authenticator struct {
	secret []byte
	opts   []jwt.ParserOption
	events audit.Sink
	logger *observability.Logger
}

// AuthOption configures an Authenticator
type AuthOption func(*Authenticator)

// WithIssuer requires the iss claim to match
func WithIssuer(issuer string) AuthOption {
	return func(a *Authenticator) {
		if issuer != "" {
			a.opts = append(a.opts, jwt.WithIssuer(issuer))
		}
	}
}

// WithAudience requires the aud claim to contain audience
func WithAudience(audience string) AuthOption {
	return func(a *Authenticator) {
		if audience != "" {
			a.opts = append(a.opts, jwt.WithAudience(audience))
		}
	}
}

// WithLeeway tolerates clock skew on exp/nbf/iat
func WithLeeway(d time.Duration) AuthOption {
	return func(a *Authenticator) { a.opts = append(a.opts, jwt.WithLeeway(d)) }
}

// WithTimeFunc overrides the verification clock
func WithTimeFunc(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.opts = append(a.opts, jwt.WithTimeFunc(now)) }
}

// WithAuthEvents records rejected tokens to sink
func WithAuthEvents(sink audit.Sink) AuthOption {
	return func(a *Authenticator) { a.events = sink }
}

// WithAuthLogger sets the logger
func WithAuthLogger(logger *observability.Logger) AuthOption {
	return func(a *Authenticator) { a.logger = logger }
}

// NewAuthenticator creates an Authenticator for tokens signed with secret
func NewAuthenticator(secret []byte, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		secret: secret,
		opts: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		},
		events: audit.NoopSink{},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Verify parses and validates a raw token
func (a *Authenticator) Verify(raw string) (*Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	p := &Principal{TenantID: claims.Subject, Role: claims.Role}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Handler wraps an HTTP handler with bearer authentication
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.reject(w, r, "missing or malformed authorization header")
			return
		}

		principal, err := a.Verify(raw)
		if err != nil {
			a.reject(w, r, reasonFor(err))
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		ctx = contextkeys.WithTenantID(ctx, principal.TenantID)
		if logger, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
			ctx = observability.ContextWithLogger(ctx, logger.WithField("tenant_id", principal.TenantID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, reason string) {
	recordUnauthorized(r, a.events, a.logger, reason, nil)
	httputil.WriteUnauthorized(w, reason)
}

// recordUnauthorized logs a rejected credential and emits an
// unauthorized_access_attempt event
func recordUnauthorized(r *http.Request, events audit.Sink, logger *observability.Logger, reason string, extra map[string]any) {
	ctx := r.Context()
	ip := contextkeys.GetClientIP(ctx)
	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"reason":    reason,
		"path":      r.URL.Path,
		"client_ip": ip,
	}).Warn("unauthorized request")

	metadata := map[string]any{"path": r.URL.Path, "method": r.Method}
	for k, v := range extra {
		metadata[k] = v
	}
	err := events.Emit(ctx, &audit.SecurityEvent{
		IPAddress:   ip,
		EventType:   audit.EventUnauthorizedAccess,
		Severity:    audit.SeverityWarning,
		Description: reason,
		Metadata:    metadata,
		RequestID:   contextkeys.GetRequestID(ctx),
	})
	if err != nil {
		logger.WithContext(ctx).WithError(err).Warn("failed to record security event")
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	}
	return "invalid token"
}

// GetPrincipal returns the authenticated principal, or nil
func GetPrincipal(r *http.Request) *Principal {
	p, _ := r.Context().Value(contextkeys.PrincipalKey).(*Principal)
	return p
}

// RequireAdmin rejects principals without the admin role
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r)
		if p == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !p.IsAdmin() {
			httputil.WriteForbidden(w, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenSpec describes a token to issue
type TokenSpec struct {
	TenantID string
	Role     string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// SignToken issues an HS256 token. It backs the token subcommand of the
// binary and tests.
func SignToken(secret []byte, spec TokenSpec, now time.Time) (string, error) {
	if spec.TenantID == "" {
		return "", errors.New("tenant ID is required")
	}
	if spec.TTL <= 0 {
		return "", errors.New("token TTL must be positive")
	}
	claims := Claims{
		Role: spec.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   spec.TenantID,
			Issuer:    spec.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(spec.TTL)),
		},
	}
	if spec.Audience != "" {
		claims.Audience = jwt.ClaimStrings{spec.Audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
