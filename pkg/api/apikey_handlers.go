package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/honestinvoice/gatekeeper/pkg/apikeys"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
)

// APIKeyStore issues, lists, revokes and resolves API keys
type APIKeyStore interface {
	middleware.KeyAuthenticator
	Create(ctx context.Context, tenantID, name string) (*apikeys.Key, string, error)
	List(ctx context.Context, tenantID string) ([]*apikeys.Key, error)
	Revoke(ctx context.Context, tenantID string, id uuid.UUID) error
}

const keyWarning = "Store this key now. It cannot be shown again."

// APIKeyHandlers manages a tenant's API keys
type APIKeyHandlers struct {
	keys     APIKeyStore
	gate     *entitlements.Gate
	validate *validator.Validate
}

// NewAPIKeyHandlers creates API key handlers
func NewAPIKeyHandlers(keys APIKeyStore, gate *entitlements.Gate) *APIKeyHandlers {
	return &APIKeyHandlers{keys: keys, gate: gate, validate: validator.New()}
}

// RegisterRoutes registers key management routes. Issuing a key needs the
// api access feature; listing and revoking do not, so a downgraded tenant
// can still clean up.
func (h *APIKeyHandlers) RegisterRoutes(router *mux.Router, limit func(http.Handler) http.Handler) {
	apiAccess := middleware.RequireFeature(h.gate, plans.FeatureAPIAccess)
	router.Handle("/api-keys", limit(apiAccess(http.HandlerFunc(h.Create)))).Methods("POST")
	router.HandleFunc("/api-keys", h.List).Methods("GET")
	router.Handle("/api-keys/{id}", limit(http.HandlerFunc(h.Revoke))).Methods("DELETE")
}

// CreateKeyResponse carries the raw key. It is returned only once.
type CreateKeyResponse struct {
	APIKey  *apikeys.Key `json:"api_key"`
	Key     string       `json:"key"`
	Warning string       `json:"warning"`
}

// Create issues a new key
func (h *APIKeyHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req apikeys.CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	key, raw, err := h.keys.Create(r.Context(), tenantID(r), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, CreateKeyResponse{APIKey: key, Key: raw, Warning: keyWarning})
}

// List returns the tenant's keys without their secrets
func (h *APIKeyHandlers) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*apikeys.Key{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"api_keys": keys})
}

// Revoke deactivates a key
func (h *APIKeyHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.keys.Revoke(r.Context(), tenantID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
