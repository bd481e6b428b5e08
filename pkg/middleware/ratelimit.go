package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
	"github.com/honestinvoice/gatekeeper/pkg/ratelimit"
)

// TierFunc resolves the rate limit tier of a tenant
type TierFunc func(ctx context.Context, tenantID string) ratelimit.Tier

// PlanTier uses the tenant's effective plan as its tier. Resolution
// failures fall back to the free tier.
func PlanTier(gate *entitlements.Gate) TierFunc {
	return func(ctx context.Context, tenantID string) ratelimit.Tier {
		ep, err := gate.ResolveEffectivePlan(ctx, tenantID)
		if err != nil {
			observability.FromContext(ctx).WithError(err).Warn("failed to resolve plan for rate limit tier")
			return ratelimit.TierFree
		}
		return ratelimit.ParseTier(string(ep.PlanType))
	}
}

// RouteEndpoint names the endpoint by its mux route template so that path
// parameters share one window
func RouteEndpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return r.Method + " " + tpl
		}
	}
	return r.Method + " " + r.URL.Path
}

// RateLimit enforces tier ceilings per tenant and endpoint
type RateLimit struct {
	limiter  *ratelimit.Limiter
	tier     TierFunc
	endpoint func(*http.Request) string
}

// NewRateLimit creates the middleware. endpoint defaults to RouteEndpoint.
func NewRateLimit(limiter *ratelimit.Limiter, tier TierFunc, endpoint func(*http.Request) string) *RateLimit {
	if endpoint == nil {
		endpoint = RouteEndpoint
	}
	return &RateLimit{limiter: limiter, tier: tier, endpoint: endpoint}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID := contextkeys.GetTenantID(ctx)
		if tenantID == "" {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		decision, err := m.limiter.CheckAndConsume(ctx, ratelimit.Request{
			TenantID: tenantID,
			Endpoint: m.endpoint(r),
			Tier:     m.tier(ctx, tenantID),
			ClientIP: contextkeys.GetClientIP(ctx),
		})
		if err != nil {
			WriteLimiterError(w, r, err)
			return
		}

		WriteRateLimitHeaders(w, decision)
		if !decision.Allowed {
			WriteRateLimitDenial(w, decision, m.limiter.Now())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteRateLimitHeaders sets the X-RateLimit-* headers
func WriteRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit-Hourly", strconv.FormatInt(d.Limits.Hourly, 10))
	h.Set("X-RateLimit-Remaining-Hourly", strconv.FormatInt(d.Remaining.Hourly, 10))
	h.Set("X-RateLimit-Limit-Minute", strconv.FormatInt(d.Limits.Minute, 10))
	h.Set("X-RateLimit-Remaining-Minute", strconv.FormatInt(d.Remaining.Minute, 10))
}

// WriteRateLimitDenial writes a 429 with Retry-After
func WriteRateLimitDenial(w http.ResponseWriter, d *ratelimit.Decision, now time.Time) {
	denial := d.Denial
	retry := int64(math.Ceil(denial.RetryAfter(now).Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))

	details := map[string]interface{}{"retry_after": retry}
	var message string
	if denial.Code == ratelimit.CodeIPBlocked {
		message = "requests from this IP address are temporarily blocked"
		details["unblock_at"] = denial.UnblockAt
	} else {
		message = string(denial.Window) + " rate limit exceeded"
		details["window"] = denial.Window
		details["limit"] = denial.Limit
		details["current"] = denial.Current
		details["reset_at"] = denial.ResetAt
	}
	httputil.WriteErrorCode(w, http.StatusTooManyRequests, string(denial.Code), message, details)
}

// WriteLimiterError maps limiter failures: fail-closed errors are 503,
// invalid requests 400, anything else 500
func WriteLimiterError(w http.ResponseWriter, r *http.Request, err error) {
	if lerr, ok := ratelimit.IsLimiterError(err); ok {
		observability.FromContext(r.Context()).WithError(err).Error("rate limiter unavailable")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, string(lerr.Code), "rate limiter unavailable", nil)
		return
	}
	if errors.Is(err, ratelimit.ErrInvalidRequest) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	observability.FromContext(r.Context()).WithError(err).Error("rate limit check failed")
	httputil.WriteInternalError(w)
}
