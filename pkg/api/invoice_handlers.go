package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/invoices"
)

// InvoiceHandlers handles invoice requests
type InvoiceHandlers struct {
	invoices InvoiceService
}

// NewInvoiceHandlers creates invoice handlers
func NewInvoiceHandlers(svc InvoiceService) *InvoiceHandlers {
	return &InvoiceHandlers{invoices: svc}
}

// RegisterRoutes registers invoice routes. limit wraps the guarded write.
func (h *InvoiceHandlers) RegisterRoutes(router *mux.Router, limit func(http.Handler) http.Handler) {
	router.Handle("/invoices", limit(http.HandlerFunc(h.Create))).Methods("POST")
	router.HandleFunc("/invoices", h.List).Methods("GET")
	router.HandleFunc("/invoices/{id}", h.Get).Methods("GET")
}

// Create creates an invoice under the tenant's invoice allowance
func (h *InvoiceHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req invoices.CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	inv, err := h.invoices.Create(r.Context(), tenantID(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, inv)
}

// Get returns one invoice
func (h *InvoiceHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	inv, err := h.invoices.Get(r.Context(), tenantID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

// List returns recent invoices
func (h *InvoiceHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > 500 {
		httputil.WriteBadRequest(w, "limit must be between 1 and 500")
		return
	}

	list, err := h.invoices.List(r.Context(), tenantID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*invoices.Invoice{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invoices": list})
}
