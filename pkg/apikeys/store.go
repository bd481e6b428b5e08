package apikeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store keeps API keys in Postgres
type Store struct {
	db *sql.DB
}

// NewStore creates a key store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create issues a new key for tenantID. The raw key is returned once and
// cannot be recovered later.
func (s *Store) Create(ctx context.Context, tenantID, name string) (*Key, string, error) {
	raw, hash, prefix, err := Generate()
	if err != nil {
		return nil, "", err
	}
	k := &Key{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     name,
		Prefix:   prefix,
		Active:   true,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_prefix, key_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		k.ID, k.TenantID, k.Name, k.Prefix, hash,
	).Scan(&k.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert API key: %w", err)
	}
	return k, raw, nil
}

// List returns the tenant's keys, newest first, revoked ones included
func (s *Store) List(ctx context.Context, tenantID string) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_prefix, is_active, created_at, last_used_at
		FROM api_keys
		WHERE tenant_id = $1
		ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	var out []*Key
	for rows.Next() {
		k := &Key{TenantID: tenantID}
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &k.Prefix, &k.Active, &k.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan API key: %w", err)
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Revoke deactivates a key. Revoking an unknown or already revoked key
// returns ErrNotFound.
func (s *Store) Revoke(ctx context.Context, tenantID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE, revoked_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND is_active`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate resolves an active key and stamps its last use
func (s *Store) Authenticate(ctx context.Context, raw string) (*Key, error) {
	if !ValidFormat(raw) {
		return nil, ErrInvalidKey
	}
	k := &Key{Active: true}
	var lastUsed time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE api_keys SET last_used_at = NOW()
		WHERE key_hash = $1 AND is_active
		RETURNING id, tenant_id, name, key_prefix, created_at, last_used_at`,
		Hash(raw),
	).Scan(&k.ID, &k.TenantID, &k.Name, &k.Prefix, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	k.LastUsedAt = &lastUsed
	return k, nil
}
