package invoices

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

const defaultCurrency = "USD"

// Service creates invoices under the create_invoice entitlement
type Service struct {
	store    *Store
	gate     *entitlements.Gate
	validate *validator.Validate
	clock    clockwork.Clock
	logger   *observability.Logger
}

// NewService creates an invoice service
func NewService(store *Store, gate *entitlements.Gate, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		store:    store,
		gate:     gate,
		validate: NewValidator(),
		clock:    clockwork.NewRealClock(),
		logger:   logger,
	}
}

// Create validates req, reserves an invoice slot and stores the invoice. A
// denied reservation is returned as *entitlements.DenialError.
func (s *Service) Create(ctx context.Context, tenantID string, req *CreateRequest) (*Invoice, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid invoice: %w", err)
	}
	totals, err := ComputeTotals(req.Items, req.DiscountAmount)
	if err != nil {
		return nil, err
	}

	res, decision, err := s.gate.Reserve(ctx, tenantID, entitlements.ActionCreateInvoice)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	inv := s.build(tenantID, req, totals)
	if err := s.store.Create(ctx, inv); err != nil {
		if rerr := res.Release(ctx); rerr != nil {
			s.logger.WithContext(ctx).WithError(rerr).Error("failed to release invoice reservation")
		}
		return nil, err
	}

	if err := res.Commit(ctx); err != nil {
		// The invoice exists; only the counter lags.
		s.logger.WithContext(ctx).WithError(err).
			WithField("invoice_id", inv.ID.String()).
			Error("failed to record invoice usage")
	}
	return inv, nil
}

func (s *Service) build(tenantID string, req *CreateRequest, totals Totals) *Invoice {
	id := uuid.New()
	number := req.InvoiceNumber
	if number == "" {
		number = fmt.Sprintf("INV-%s-%s", s.clock.Now().UTC().Format("20060102"), strings.ToUpper(id.String()[:8]))
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	inv := &Invoice{
		ID:             id,
		TenantID:       tenantID,
		CustomerID:     req.CustomerID,
		InvoiceNumber:  number,
		Currency:       currency,
		Subtotal:       totals.Subtotal,
		DiscountAmount: totals.Discount,
		TaxAmount:      totals.Tax,
		Total:          totals.Total,
		Status:         "draft",
		DueDate:        req.DueDate,
		Notes:          req.Notes,
		Items:          make([]Item, len(req.Items)),
	}
	for i, item := range req.Items {
		inv.Items[i] = Item{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
			Amount:      totals.Lines[i],
		}
	}
	return inv
}

// Get returns one of the tenant's invoices
func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Invoice, error) {
	return s.store.Get(ctx, tenantID, id)
}

// List returns the tenant's recent invoices
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*Invoice, error) {
	return s.store.List(ctx, tenantID, limit)
}
