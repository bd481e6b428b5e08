package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"

	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
)

const eventColumns = "id, tenant_id, ip_address, event_type, severity, description, metadata, request_id, created_at"

// DBStore implements Store on PostgreSQL. Writes and the IP-block lookup use
// the primary; listings may be served from a replica.
type DBStore struct {
	db     *sql.DB
	reader *sql.DB
	clock  clockwork.Clock
}

// DBStoreOption configures a DBStore
type DBStoreOption func(*DBStore)

// WithReader serves listings from a read replica
func WithReader(reader *sql.DB) DBStoreOption {
	return func(s *DBStore) {
		if reader != nil {
			s.reader = reader
		}
	}
}

// WithClock sets the clock used to stamp events
func WithClock(clock clockwork.Clock) DBStoreOption {
	return func(s *DBStore) { s.clock = clock }
}

// NewDBStore creates a database-backed event store
func NewDBStore(db *sql.DB, opts ...DBStoreOption) (*DBStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	s := &DBStore{db: db, reader: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func marshalJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	// lib/pq would send []byte as bytea, which jsonb rejects.
	return string(b), nil
}

// Emit inserts a security event and sets its ID
func (s *DBStore) Emit(ctx context.Context, event *SecurityEvent) error {
	if !event.EventType.Valid() {
		return fmt.Errorf("unknown event type %q", event.EventType)
	}
	stamp(event, s.clock.Now())
	if !event.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", event.Severity)
	}
	if event.RequestID == "" {
		event.RequestID = contextkeys.GetRequestID(ctx)
	}

	metadata, err := marshalJSON(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO security_events (
			tenant_id, ip_address, event_type, severity,
			description, metadata, request_id, created_at
		) VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING id`,
		event.TenantID, event.IPAddress, string(event.EventType), string(event.Severity),
		event.Description, metadata, event.RequestID, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*SecurityEvent, error) {
	var (
		event                          SecurityEvent
		tenantID, ipAddress, requestID sql.NullString
		metadata                       []byte
	)
	if err := row.Scan(&event.ID, &tenantID, &ipAddress, &event.EventType, &event.Severity,
		&event.Description, &metadata, &requestID, &event.CreatedAt); err != nil {
		return nil, err
	}
	event.TenantID = tenantID.String
	event.IPAddress = ipAddress.String
	event.RequestID = requestID.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &event, nil
}

// LatestByIP returns the newest event of eventType recorded for ip
func (s *DBStore) LatestByIP(ctx context.Context, ip string, eventType EventType) (*SecurityEvent, error) {
	event, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM security_events
		WHERE ip_address = $1 AND event_type = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		ip, string(eventType),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s for %s: %w", eventType, ip, err)
	}
	return event, nil
}

// List returns events matching filter, newest first
func (s *DBStore) List(ctx context.Context, filter Filter) ([]*SecurityEvent, error) {
	query := "SELECT " + eventColumns + " FROM security_events WHERE 1=1"
	args := []any{}
	argCount := 1

	if filter.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argCount)
		args = append(args, string(filter.Severity))
		argCount++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argCount)
		args = append(args, string(filter.EventType))
		argCount++
	}
	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, filter.TenantID)
		argCount++
	}
	if filter.IPAddress != "" {
		query += fmt.Sprintf(" AND ip_address = $%d", argCount)
		args = append(args, filter.IPAddress)
		argCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, filter.limit())

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	events := make([]*SecurityEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security events: %w", err)
	}
	return events, nil
}

// LogAdminAction inserts an admin action and sets its ID
func (s *DBStore) LogAdminAction(ctx context.Context, action *AdminAction) error {
	if action.AdminID == "" {
		return errors.New("admin ID is required")
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = s.clock.Now().UTC()
	}
	details, err := marshalJSON(action.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO admin_audit_logs (admin_id, action, target_tenant_id, details, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		RETURNING id`,
		action.AdminID, string(action.Action), action.TargetTenantID, details, action.CreatedAt,
	).Scan(&action.ID)
	if err != nil {
		return fmt.Errorf("failed to insert admin action: %w", err)
	}
	return nil
}

// ListAdminActions returns the most recent admin actions
func (s *DBStore) ListAdminActions(ctx context.Context, limit int) ([]*AdminAction, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, admin_id, action, target_tenant_id, details, created_at
		FROM admin_audit_logs
		ORDER BY created_at DESC
		LIMIT $1`,
		Filter{Limit: limit}.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin actions: %w", err)
	}
	defer rows.Close()

	actions := make([]*AdminAction, 0)
	for rows.Next() {
		var (
			action  AdminAction
			target  sql.NullString
			details []byte
		)
		if err := rows.Scan(&action.ID, &action.AdminID, &action.Action, &target, &details, &action.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admin action: %w", err)
		}
		action.TargetTenantID = target.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &action.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		actions = append(actions, &action)
	}
	return actions, rows.Err()
}

// Unarchived returns up to limit events created before cutoff that have not
// been archived, oldest first.
func (s *DBStore) Unarchived(ctx context.Context, before time.Time, limit int) ([]*SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM security_events
		WHERE archived_at IS NULL AND created_at < $1
		ORDER BY id
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unarchived events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkArchived stamps archived_at on the given events
func (s *DBStore) MarkArchived(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE security_events SET archived_at = $2 WHERE id = ANY($1)",
		pq.Array(ids), at,
	); err != nil {
		return fmt.Errorf("failed to mark events archived: %w", err)
	}
	return nil
}
