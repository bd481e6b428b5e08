package team

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists team members in PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates a team store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Add inserts m unless the tenant already has limit members. A negative
// limit means unlimited.
func (s *Store) Add(ctx context.Context, m *Member, limit int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('team:' || $1))`, m.TenantID,
	); err != nil {
		return fmt.Errorf("failed to lock team: %w", err)
	}

	if limit >= 0 {
		var count int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM team_members WHERE tenant_id = $1`, m.TenantID,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count team members: %w", err)
		}
		if count >= limit {
			return fmt.Errorf("%w: %d of %d", ErrTeamFull, count, limit)
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO team_members (id, tenant_id, email, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		m.ID, m.TenantID, m.Email, string(m.Role),
	).Scan(&m.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, m.Email)
		}
		return fmt.Errorf("failed to insert team member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit team member: %w", err)
	}
	return nil
}

// Remove deletes a member
func (s *Store) Remove(ctx context.Context, tenantID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM team_members WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the tenant's members, oldest first
func (s *Store) List(ctx context.Context, tenantID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, email, role, created_at
		FROM team_members
		WHERE tenant_id = $1
		ORDER BY created_at`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CountMembers returns the tenant's headcount
func (s *Store) CountMembers(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_members WHERE tenant_id = $1`, tenantID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count team members: %w", err)
	}
	return count, nil
}
