package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
)

// AdminHandlers handles operator requests. Every mutation is written to the
// admin audit log.
type AdminHandlers struct {
	subs     subscriptions.Manager
	catalog  plans.Catalog
	audit    audit.Store
	validate *validator.Validate
}

// NewAdminHandlers creates admin handlers
func NewAdminHandlers(subs subscriptions.Manager, catalog plans.Catalog, store audit.Store) *AdminHandlers {
	return &AdminHandlers{subs: subs, catalog: catalog, audit: store, validate: validator.New()}
}

// RegisterRoutes registers admin routes on a subrouter already guarded by RequireAdmin
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenant}/subscriptions", h.ListSubscriptions).Methods("GET")
	router.HandleFunc("/tenants/{tenant}/subscription", h.UpdateSubscription).Methods("PUT")
	router.HandleFunc("/tenants/{tenant}/suspend", h.Suspend).Methods("POST")
	router.HandleFunc("/tenants/{tenant}/unsuspend", h.Unsuspend).Methods("POST")
	router.HandleFunc("/ip-blocks", h.BlockIP).Methods("POST")
	router.HandleFunc("/security-events", h.ListSecurityEvents).Methods("GET")
	router.HandleFunc("/audit-log", h.ListAuditLog).Methods("GET")
}

// ListSubscriptions returns a tenant's subscription history
func (h *AdminHandlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}
	list, err := h.subs.List(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*subscriptions.Subscription{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"subscriptions": list})
}

// UpdateSubscriptionRequest moves a tenant to another plan
type UpdateSubscriptionRequest struct {
	PlanType    string `json:"plan_type" validate:"required,max=64"`
	ExternalRef string `json:"external_ref" validate:"max=255"`
}

// UpdateSubscription activates a new plan for the tenant
func (h *AdminHandlers) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}
	var req UpdateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	planType := plans.PlanType(req.PlanType)
	if _, err := h.catalog.GetEntitlements(r.Context(), planType); err != nil {
		writeError(w, r, err)
		return
	}

	sub, err := h.subs.SetPlan(r.Context(), tenant, planType, req.ExternalRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logAction(r, audit.ActionUpdateSubscription, tenant, map[string]any{
		"plan_type":       string(planType),
		"external_ref":    req.ExternalRef,
		"subscription_id": sub.ID,
	})
	httputil.WriteSuccess(w, sub)
}

// Suspend suspends the tenant's active subscription; the tenant falls back to free
func (h *AdminHandlers) Suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, audit.ActionSuspendUser, h.subs.Suspend)
}

// Unsuspend reactivates a suspended subscription
func (h *AdminHandlers) Unsuspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, audit.ActionUnsuspendUser, h.subs.Unsuspend)
}

func (h *AdminHandlers) transition(w http.ResponseWriter, r *http.Request, action audit.AdminActionType,
	apply func(ctx context.Context, tenantID string) (*subscriptions.Subscription, error)) {
	tenant, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}
	sub, err := apply(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logAction(r, action, tenant, map[string]any{
		"plan_type":       string(sub.PlanType),
		"subscription_id": sub.ID,
	})
	httputil.WriteSuccess(w, sub)
}

// BlockIPRequest blocks an address for the rate limiter's block window
type BlockIPRequest struct {
	IPAddress string `json:"ip_address" validate:"required,ip"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

// BlockIP records an ip_blocked event
func (h *AdminHandlers) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req BlockIPRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	event, err := audit.BlockIP(r.Context(), h.audit, req.IPAddress, req.Reason, adminID(r))
	if err != nil && event == nil {
		writeError(w, r, err)
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("ip blocked without audit record")
	}
	httputil.WriteCreated(w, event)
}

// ListSecurityEvents lists events filtered by severity, type, tenant, ip and since
func (h *AdminHandlers) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		Severity:  audit.Severity(httputil.ParseQueryString(r, "severity", "")),
		EventType: audit.EventType(httputil.ParseQueryString(r, "type", "")),
		TenantID:  httputil.ParseQueryString(r, "tenant", ""),
		IPAddress: httputil.ParseQueryString(r, "ip", ""),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		httputil.WriteBadRequest(w, "unknown severity: "+string(filter.Severity))
		return
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		httputil.WriteBadRequest(w, "unknown event type: "+string(filter.EventType))
		return
	}
	if since := httputil.ParseQueryString(r, "since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httputil.WriteBadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &t
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.Limit = limit

	events, err := h.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.SecurityEvent{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}

// ListAuditLog lists recent admin actions
func (h *AdminHandlers) ListAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	actions, err := h.audit.ListAdminActions(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []*audit.AdminAction{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"actions": actions})
}

// logAction records an admin mutation. The mutation already happened, so a
// failure here is logged rather than returned.
func (h *AdminHandlers) logAction(r *http.Request, action audit.AdminActionType, tenant string, details map[string]any) {
	err := h.audit.LogAdminAction(r.Context(), &audit.AdminAction{
		AdminID:        adminID(r),
		Action:         action,
		TargetTenantID: tenant,
		Details:        details,
	})
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).
			WithFields(map[string]interface{}{"action": string(action), "target_tenant_id": tenant}).
			Error("failed to record admin action")
	}
}

func adminID(r *http.Request) string {
	if p := middleware.GetPrincipal(r); p != nil {
		return p.TenantID
	}
	return ""
}
