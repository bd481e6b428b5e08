package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresLedger stores counters in the usage_records table. Each mutation
// is one INSERT ... ON CONFLICT DO UPDATE statement, so concurrent callers
// never lose increments.
type PostgresLedger struct {
	db    *sql.DB
	retry RetryPolicy
}

// NewPostgresLedger creates a ledger using the default retry policy
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, retry: DefaultRetryPolicy()}
}

// WithRetryPolicy overrides the retry policy
func (l *PostgresLedger) WithRetryPolicy(p RetryPolicy) *PostgresLedger {
	l.retry = p
	return l
}

// GetUsage reads one month of usage
func (l *PostgresLedger) GetUsage(ctx context.Context, tenantID string, month Month) (*Record, error) {
	rec := &Record{TenantID: tenantID, Month: month}

	var updatedAt sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT invoices_created, api_calls, team_members, updated_at
		FROM usage_records
		WHERE tenant_id = $1 AND month = $2`,
		tenantID, string(month),
	).Scan(&rec.InvoicesCreated, &rec.APICalls, &rec.TeamMembers, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if updatedAt.Valid {
		rec.UpdatedAt = updatedAt.Time
	}
	return rec, nil
}

// IncrementUsage atomically adds delta. Negative deltas (team members only)
// floor at zero.
func (l *PostgresLedger) IncrementUsage(ctx context.Context, tenantID string, month Month, field Field, delta int64) (int64, error) {
	if err := validate(tenantID, month, field, delta); err != nil {
		return 0, err
	}

	// field is a validated enum value, never caller-supplied text.
	query := fmt.Sprintf(`
		INSERT INTO usage_records (tenant_id, month, %[1]s)
		VALUES ($1, $2, GREATEST($3::bigint, 0))
		ON CONFLICT (tenant_id, month) DO UPDATE
		SET %[1]s = GREATEST(usage_records.%[1]s + $3::bigint, 0), updated_at = NOW()
		RETURNING %[1]s`, field)

	var value int64
	err := l.retry.do(ctx, func() error {
		return l.db.QueryRowContext(ctx, query, tenantID, string(month), delta).Scan(&value)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return value, nil
}

// IncrementIfBelow performs a conditional upsert: the conflicting row is
// only updated when the new value stays within limit.
func (l *PostgresLedger) IncrementIfBelow(ctx context.Context, tenantID string, month Month, field Field, delta, limit int64) (int64, bool, error) {
	if limit < 0 {
		v, err := l.IncrementUsage(ctx, tenantID, month, field, delta)
		return v, err == nil, err
	}
	if err := validate(tenantID, month, field, delta); err != nil {
		return 0, false, err
	}
	if delta <= 0 {
		return 0, false, fmt.Errorf("%w: reservation delta must be positive", ErrNegativeDelta)
	}
	if delta > limit {
		current, err := l.current(ctx, tenantID, month, field)
		return current, false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO usage_records (tenant_id, month, %[1]s)
		VALUES ($1, $2, $3::bigint)
		ON CONFLICT (tenant_id, month) DO UPDATE
		SET %[1]s = usage_records.%[1]s + EXCLUDED.%[1]s, updated_at = NOW()
		WHERE usage_records.%[1]s + EXCLUDED.%[1]s <= $4::bigint
		RETURNING %[1]s`, field)

	var value int64
	err := l.retry.do(ctx, func() error {
		return l.db.QueryRowContext(ctx, query, tenantID, string(month), delta, limit).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		current, err := l.current(ctx, tenantID, month, field)
		return current, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve %s: %w", field, err)
	}
	return value, true, nil
}

// Release atomically subtracts delta, flooring at zero
func (l *PostgresLedger) Release(ctx context.Context, tenantID string, month Month, field Field, delta int64) (int64, error) {
	if err := validate(tenantID, month, field, 0); err != nil {
		return 0, err
	}
	if delta <= 0 {
		return 0, fmt.Errorf("release delta must be positive, got %d", delta)
	}

	query := fmt.Sprintf(`
		UPDATE usage_records
		SET %[1]s = GREATEST(%[1]s - $3::bigint, 0), updated_at = NOW()
		WHERE tenant_id = $1 AND month = $2
		RETURNING %[1]s`, field)

	var value int64
	err := l.retry.do(ctx, func() error {
		return l.db.QueryRowContext(ctx, query, tenantID, string(month), delta).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release %s: %w", field, err)
	}
	return value, nil
}

// History returns the most recent months of usage for a tenant, newest first
func (l *PostgresLedger) History(ctx context.Context, tenantID string, months int) ([]Record, error) {
	if months <= 0 {
		months = 12
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT month, invoices_created, api_calls, team_members, updated_at
		FROM usage_records
		WHERE tenant_id = $1
		ORDER BY month DESC
		LIMIT $2`,
		tenantID, months,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       = Record{TenantID: tenantID}
			month     string
			updatedAt time.Time
		)
		if err := rows.Scan(&month, &rec.InvoicesCreated, &rec.APICalls, &rec.TeamMembers, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		rec.Month = Month(month)
		rec.UpdatedAt = updatedAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) current(ctx context.Context, tenantID string, month Month, field Field) (int64, error) {
	rec, err := l.GetUsage(ctx, tenantID, month)
	if err != nil {
		return 0, err
	}
	return rec.Get(field), nil
}
