package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

// EntitlementHandlers serves plan, entitlement and usage queries
type EntitlementHandlers struct {
	gate     *entitlements.Gate
	catalog  plans.Lister
	history  UsageHistory
	validate *validator.Validate
}

// NewEntitlementHandlers creates entitlement handlers. catalog and history may be nil.
func NewEntitlementHandlers(gate *entitlements.Gate, catalog plans.Lister, history UsageHistory) *EntitlementHandlers {
	return &EntitlementHandlers{gate: gate, catalog: catalog, history: history, validate: validator.New()}
}

// RegisterRoutes registers entitlement routes. limit wraps the usage write.
// Usage history needs the analytics feature.
func (h *EntitlementHandlers) RegisterRoutes(router *mux.Router, limit func(http.Handler) http.Handler) {
	router.HandleFunc("/entitlements", h.GetEntitlements).Methods("GET")
	router.HandleFunc("/entitlements/check", h.Check).Methods("POST")
	router.HandleFunc("/features/{feature}", h.GetFeature).Methods("GET")
	router.Handle("/usage/record", limit(http.HandlerFunc(h.RecordUsage))).Methods("POST")
	if h.catalog != nil {
		router.HandleFunc("/plans", h.ListPlans).Methods("GET")
	}
	if h.history != nil {
		analytics := middleware.RequireFeature(h.gate, plans.FeatureAnalytics)
		router.Handle("/usage/history", analytics(http.HandlerFunc(h.UsageHistory))).Methods("GET")
	}
}

// EntitlementsResponse describes what the tenant may do this month
type EntitlementsResponse struct {
	PlanType       plans.PlanType     `json:"planType"`
	SubscribedPlan plans.PlanType     `json:"subscribedPlan,omitempty"`
	Fallback       bool               `json:"fallback,omitempty"`
	Mode           entitlements.Mode  `json:"mode"`
	Entitlements   plans.Entitlements `json:"entitlements"`
	Usage          *usage.Record      `json:"usage"`
}

// GetEntitlements returns the effective plan and current-month usage
func (h *EntitlementHandlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	ep, err := h.gate.ResolveEffectivePlan(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.gate.Usage(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, EntitlementsResponse{
		PlanType:       ep.PlanType,
		SubscribedPlan: ep.SubscribedPlan,
		Fallback:       ep.Fallback,
		Mode:           h.gate.Mode(),
		Entitlements:   ep.Entitlements,
		Usage:          rec,
	})
}

// CheckRequest asks whether an action is allowed
type CheckRequest struct {
	Action string `json:"action" validate:"required"`
}

// Check returns the gate decision for an action; denials are 403
func (h *EntitlementHandlers) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := entitlements.ParseAction(req.Action)
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.gate.CanPerform(r.Context(), tenantID(r), action)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !d.Allowed {
		middleware.WriteEntitlementDenial(w, d)
		return
	}
	httputil.WriteSuccess(w, d)
}

// FeatureResponse reports a single feature flag
type FeatureResponse struct {
	Feature plans.Feature `json:"feature"`
	Enabled bool          `json:"enabled"`
}

// GetFeature reports whether the tenant's plan grants a feature
func (h *EntitlementHandlers) GetFeature(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "feature")
	if !ok {
		return
	}
	feature, err := plans.ParseFeature(name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	enabled, err := h.gate.HasFeature(r.Context(), tenantID(r), feature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, FeatureResponse{Feature: feature, Enabled: enabled})
}

// RecordRequest reports usage after an action succeeded elsewhere
type RecordRequest struct {
	Action string `json:"action" validate:"required"`
	Delta  int64  `json:"delta"`
}

// RecordResponse carries the counter value after recording
type RecordResponse struct {
	Action entitlements.Action `json:"action"`
	Value  int64               `json:"value"`
}

// RecordUsage increments the counter behind an action. Delta defaults to 1.
func (h *EntitlementHandlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := entitlements.ParseAction(req.Action)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Delta == 0 {
		req.Delta = 1
	}

	value, err := h.gate.Record(r.Context(), tenantID(r), action, req.Delta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, RecordResponse{Action: action, Value: value})
}

// ListPlans returns the plan catalog
func (h *EntitlementHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.ListPlans(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"plans": list})
}

// UsageHistory returns recent months of usage
func (h *EntitlementHandlers) UsageHistory(w http.ResponseWriter, r *http.Request) {
	months, err := httputil.ParseQueryInt(r, "months", 12)
	if err != nil || months < 1 || months > 120 {
		httputil.WriteBadRequest(w, "months must be between 1 and 120")
		return
	}
	records, err := h.history.History(r.Context(), tenantID(r), months)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []usage.Record{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"history": records})
}
