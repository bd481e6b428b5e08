package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/honestinvoice/gatekeeper/pkg/plans"
)

// Status represents the status of a subscription
type Status string

const (
	StatusActive    Status = "active"
	StatusCanceled  Status = "canceled"
	StatusSuspended Status = "suspended"
)

// ErrNotFound is returned when a tenant has no subscription in the requested state
var ErrNotFound = errors.New("subscription not found")

// Subscription links a tenant to a plan
type Subscription struct {
	ID          int64          `json:"id"`
	TenantID    string         `json:"tenant_id"`
	PlanType    plans.PlanType `json:"plan_type"`
	Status      Status         `json:"status"`
	ExternalRef string         `json:"external_ref,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Reader is the read side used by entitlement resolution
type Reader interface {
	// GetActive returns ErrNotFound when the tenant has no active subscription.
	GetActive(ctx context.Context, tenantID string) (*Subscription, error)
}

// Manager covers the admin mutations
type Manager interface {
	Reader
	SetPlan(ctx context.Context, tenantID string, plan plans.PlanType, externalRef string) (*Subscription, error)
	Suspend(ctx context.Context, tenantID string) (*Subscription, error)
	Unsuspend(ctx context.Context, tenantID string) (*Subscription, error)
	List(ctx context.Context, tenantID string) ([]*Subscription, error)
}
