package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/ratelimit"
)

// RateLimitHandlers lets other handlers consume a rate limit slot
type RateLimitHandlers struct {
	limiter  *ratelimit.Limiter
	tier     middleware.TierFunc
	validate *validator.Validate
}

// NewRateLimitHandlers creates rate limit handlers
func NewRateLimitHandlers(limiter *ratelimit.Limiter, gate *entitlements.Gate) *RateLimitHandlers {
	return &RateLimitHandlers{limiter: limiter, tier: middleware.PlanTier(gate), validate: validator.New()}
}

// RegisterRoutes registers rate limit routes
func (h *RateLimitHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/rate-limit/check", h.Check).Methods("POST")
	router.HandleFunc("/rate-limit/tiers", h.Tiers).Methods("GET")
}

// RateLimitCheckRequest names the endpoint being called. Tier is honoured
// for admin callers only; tenants are limited by their plan.
type RateLimitCheckRequest struct {
	Endpoint string `json:"endpoint" validate:"required,max=200"`
	Tier     string `json:"tier,omitempty" validate:"omitempty,max=32"`
}

// Check consumes one request for the endpoint
func (h *RateLimitHandlers) Check(w http.ResponseWriter, r *http.Request) {
	var req RateLimitCheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	tenant := tenantID(r)
	tier := h.tier(ctx, tenant)
	if req.Tier != "" && middleware.GetPrincipal(r).IsAdmin() {
		tier = ratelimit.ParseTier(req.Tier)
	}

	d, err := h.limiter.CheckAndConsume(ctx, ratelimit.Request{
		TenantID: tenant,
		Endpoint: req.Endpoint,
		Tier:     tier,
		ClientIP: contextkeys.GetClientIP(ctx),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	middleware.WriteRateLimitHeaders(w, d)
	if !d.Allowed {
		middleware.WriteRateLimitDenial(w, d, h.limiter.Now())
		return
	}
	httputil.WriteSuccess(w, d)
}

// Tiers returns the effective tier table
func (h *RateLimitHandlers) Tiers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{"tiers": h.limiter.Tiers()})
}
