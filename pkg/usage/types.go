package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Month is a calendar month bucket in YYYY-MM form
type Month string

// MonthOf returns the UTC calendar month containing t
func MonthOf(t time.Time) Month {
	return Month(t.UTC().Format("2006-01"))
}

// ParseMonth validates a YYYY-MM string
func ParseMonth(s string) (Month, error) {
	if _, err := time.Parse("2006-01", s); err != nil {
		return "", fmt.Errorf("invalid month %q: expected YYYY-MM", s)
	}
	return Month(s), nil
}

// Next returns the following calendar month
func (m Month) Next() Month {
	t, err := time.Parse("2006-01", string(m))
	if err != nil {
		return m
	}
	return MonthOf(t.AddDate(0, 1, 0))
}

// Field names a usage counter
type Field string

const (
	FieldInvoicesCreated Field = "invoices_created"
	FieldAPICalls        Field = "api_calls"
	// FieldTeamMembers tracks current headcount and may decrease
	FieldTeamMembers Field = "team_members"
)

// Valid reports whether f is a known counter
func (f Field) Valid() bool {
	switch f {
	case FieldInvoicesCreated, FieldAPICalls, FieldTeamMembers:
		return true
	}
	return false
}

// Decrementable reports whether the counter may go down outside a
// reservation rollback.
func (f Field) Decrementable() bool {
	return f == FieldTeamMembers
}

var (
	// ErrInvalidField is returned for an unknown counter name
	ErrInvalidField = errors.New("invalid usage field")
	// ErrNegativeDelta is returned when a monotonic counter is given a negative delta
	ErrNegativeDelta = errors.New("negative delta not allowed for monotonic counter")
)

// Record is a tenant's usage for one calendar month
type Record struct {
	TenantID        string    `json:"tenant_id"`
	Month           Month     `json:"month"`
	InvoicesCreated int64     `json:"invoices_created"`
	APICalls        int64     `json:"api_calls"`
	TeamMembers     int64     `json:"team_members"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Get returns the value of f
func (r *Record) Get(f Field) int64 {
	switch f {
	case FieldInvoicesCreated:
		return r.InvoicesCreated
	case FieldAPICalls:
		return r.APICalls
	case FieldTeamMembers:
		return r.TeamMembers
	}
	return 0
}

// Ledger stores per-tenant, per-month usage counters. Every mutation is a
// single atomic operation at the storage layer.
type Ledger interface {
	// GetUsage returns a zero-valued record when nothing was recorded yet.
	GetUsage(ctx context.Context, tenantID string, month Month) (*Record, error)

	// IncrementUsage adds delta to field, creating the row if absent, and
	// returns the new value.
	IncrementUsage(ctx context.Context, tenantID string, month Month, field Field, delta int64) (int64, error)

	// IncrementIfBelow adds delta only if the result stays <= limit. When it
	// does not, the counter is unchanged, ok is false and value is the
	// current count. A limit of -1 never refuses.
	IncrementIfBelow(ctx context.Context, tenantID string, month Month, field Field, delta, limit int64) (value int64, ok bool, err error)

	// Release subtracts delta from field, flooring at zero. It is used to
	// undo a reservation and to record team member removal.
	Release(ctx context.Context, tenantID string, month Month, field Field, delta int64) (int64, error)
}

func validate(tenantID string, month Month, field Field, delta int64) error {
	if tenantID == "" {
		return errors.New("tenant ID is required")
	}
	if _, err := ParseMonth(string(month)); err != nil {
		return err
	}
	if !field.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	if delta < 0 && !field.Decrementable() {
		return fmt.Errorf("%w: %s", ErrNegativeDelta, field)
	}
	return nil
}
