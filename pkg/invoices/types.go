package invoices

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidDiscount is returned for a negative discount or one larger than the subtotal
	ErrInvalidDiscount = errors.New("invalid discount")
	// ErrDuplicateNumber is returned when the tenant already has an invoice with the same number
	ErrDuplicateNumber = errors.New("invoice number already exists")
	// ErrNotFound is returned when an invoice does not exist for the tenant
	ErrNotFound = errors.New("invoice not found")
)

// Item is a stored invoice line
type Item struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Amount      decimal.Decimal `json:"amount"`
}

// Invoice is a stored invoice
type Invoice struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	CustomerID     string          `json:"customer_id"`
	InvoiceNumber  string          `json:"invoice_number"`
	Currency       string          `json:"currency"`
	Items          []Item          `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
	Status         string          `json:"status"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ItemInput is one requested invoice line
type ItemInput struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"gte=0"`
	TaxRate     decimal.Decimal `json:"tax_rate" validate:"gte=0,lte=100"`
}

// CreateRequest is the body of an invoice creation request
type CreateRequest struct {
	CustomerID     string          `json:"customer_id" validate:"required,max=100"`
	InvoiceNumber  string          `json:"invoice_number" validate:"omitempty,max=64"`
	Currency       string          `json:"currency" validate:"omitempty,len=3,alpha"`
	DiscountAmount decimal.Decimal `json:"discount_amount" validate:"gte=0"`
	DueDate        *time.Time      `json:"due_date"`
	Notes          string          `json:"notes" validate:"max=2000"`
	Items          []ItemInput     `json:"items" validate:"required,min=1,max=200,dive"`
}

// Totals are the computed money amounts of an invoice
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	// Lines holds each item's amount before tax, in input order
	Lines []decimal.Decimal
}
