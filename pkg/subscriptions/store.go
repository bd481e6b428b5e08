package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/honestinvoice/gatekeeper/pkg/plans"
)

const subscriptionColumns = "id, tenant_id, plan_type, status, external_ref, created_at, updated_at"

// Store implements Manager on PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates a subscription store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		externalRef sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.PlanType, &sub.Status, &externalRef,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.ExternalRef = externalRef.String
	return &sub, nil
}

// GetActive returns the tenant's active subscription
func (s *Store) GetActive(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND status = 'active'`,
		tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, nil
}

// SetPlan cancels any current subscription and activates a new one on plan.
// Both statements run in one transaction so a tenant is never left with two
// active rows or none.
func (s *Store) SetPlan(ctx context.Context, tenantID string, plan plans.PlanType, externalRef string) (*Subscription, error) {
	if tenantID == "" {
		return nil, errors.New("tenant ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', updated_at = NOW()
		WHERE tenant_id = $1 AND status IN ('active', 'suspended')`,
		tenantID,
	); err != nil {
		return nil, fmt.Errorf("failed to cancel current subscription: %w", err)
	}

	sub, err := scanSubscription(tx.QueryRowContext(ctx, `
		INSERT INTO subscriptions (tenant_id, plan_type, status, external_ref)
		VALUES ($1, $2, 'active', NULLIF($3, ''))
		RETURNING `+subscriptionColumns,
		tenantID, string(plan), externalRef,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subscription change: %w", err)
	}
	return sub, nil
}

// Suspend moves the active subscription to suspended
func (s *Store) Suspend(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.transition(ctx, tenantID, StatusActive, StatusSuspended)
}

// Unsuspend reactivates the most recently suspended subscription
func (s *Store) Unsuspend(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.transition(ctx, tenantID, StatusSuspended, StatusActive)
}

func (s *Store) transition(ctx context.Context, tenantID string, from, to Status) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = $3, updated_at = NOW()
		WHERE id = (
			SELECT id FROM subscriptions
			WHERE tenant_id = $1 AND status = $2
			ORDER BY updated_at DESC
			LIMIT 1
		)
		RETURNING `+subscriptionColumns,
		tenantID, string(from), string(to),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no %s subscription for tenant %s", ErrNotFound, from, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark subscription %s: %w", to, err)
	}
	return sub, nil
}

// List returns a tenant's subscription history, newest first
func (s *Store) List(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY updated_at DESC, id DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
