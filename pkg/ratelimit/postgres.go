package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps one rate_limits row per minute window
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Consume runs the check and the upsert in one transaction holding an
// advisory lock on (tenant, endpoint)
func (s *PostgresStore) Consume(ctx context.Context, key WindowKey, limits Limits, tier Tier) (Usage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
		key.TenantID, key.Endpoint,
	); err != nil {
		return Usage{}, fmt.Errorf("failed to lock rate window: %w", err)
	}

	var u Usage
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(request_count), 0),
		       COALESCE(SUM(request_count) FILTER (WHERE window_start >= $4), 0)
		FROM rate_limits
		WHERE tenant_id = $1 AND endpoint = $2 AND window_start >= $3`,
		key.TenantID, key.Endpoint, key.Hour, key.Minute,
	).Scan(&u.Hourly, &u.Minute)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to sum rate windows: %w", err)
	}

	switch {
	case u.Hourly >= limits.Hourly:
		u.Exceeded = WindowHourly
	case u.Minute >= limits.Minute:
		u.Exceeded = WindowMinute
	}
	if u.Exceeded != "" {
		return u, tx.Commit()
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO rate_limits (tenant_id, endpoint, window_start, request_count, tier)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (tenant_id, endpoint, window_start) DO UPDATE
		SET request_count = rate_limits.request_count + 1, updated_at = NOW()
		RETURNING request_count`,
		key.TenantID, key.Endpoint, key.Minute, string(tier),
	).Scan(&u.Minute)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to increment rate window: %w", err)
	}
	u.Hourly++

	if err := tx.Commit(); err != nil {
		return Usage{}, fmt.Errorf("failed to commit rate window: %w", err)
	}
	return u, nil
}

// Prune deletes windows that started before cutoff
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate windows: %w", err)
	}
	return res.RowsAffected()
}
