package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/team"
)

// TeamHandlers handles team member requests
type TeamHandlers struct {
	team TeamService
}

// NewTeamHandlers creates team handlers
func NewTeamHandlers(svc TeamService) *TeamHandlers {
	return &TeamHandlers{team: svc}
}

// RegisterRoutes registers team routes. limit wraps the guarded writes.
func (h *TeamHandlers) RegisterRoutes(router *mux.Router, limit func(http.Handler) http.Handler) {
	router.HandleFunc("/team/members", h.List).Methods("GET")
	router.Handle("/team/members", limit(http.HandlerFunc(h.Add))).Methods("POST")
	router.Handle("/team/members/{id}", limit(http.HandlerFunc(h.Remove))).Methods("DELETE")
}

// List returns the tenant's team
func (h *TeamHandlers) List(w http.ResponseWriter, r *http.Request) {
	members, err := h.team.List(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if members == nil {
		members = []*team.Member{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

// Add adds a member under the tenant's seat allowance
func (h *TeamHandlers) Add(w http.ResponseWriter, r *http.Request) {
	var req team.AddRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	m, err := h.team.Add(r.Context(), tenantID(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, m)
}

// Remove removes a member
func (h *TeamHandlers) Remove(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.team.Remove(r.Context(), tenantID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
