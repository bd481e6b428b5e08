package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const invoiceColumns = "id, tenant_id, customer_id, invoice_number, currency, subtotal, discount_amount, " +
	"tax_amount, total_amount, status, due_date, notes, created_at"

// Store persists invoices in PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates an invoice store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts inv and its items in one transaction
func (s *Store) Create(ctx context.Context, inv *Invoice) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO invoices (id, tenant_id, customer_id, invoice_number, currency,
			subtotal, discount_amount, tax_amount, total_amount, status, due_date, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
		RETURNING created_at`,
		inv.ID, inv.TenantID, inv.CustomerID, inv.InvoiceNumber, inv.Currency,
		inv.Subtotal, inv.DiscountAmount, inv.TaxAmount, inv.Total, inv.Status, inv.DueDate, inv.Notes,
	).Scan(&inv.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, inv.InvoiceNumber)
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}

	for i, item := range inv.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_items (invoice_id, position, description, quantity, unit_price, tax_rate, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			inv.ID, i+1, item.Description, item.Quantity, item.UnitPrice, item.TaxRate, item.Amount,
		); err != nil {
			return fmt.Errorf("failed to insert invoice item %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invoice: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var (
		inv     Invoice
		dueDate sql.NullTime
		notes   sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.CustomerID, &inv.InvoiceNumber, &inv.Currency,
		&inv.Subtotal, &inv.DiscountAmount, &inv.TaxAmount, &inv.Total, &inv.Status,
		&dueDate, &notes, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if dueDate.Valid {
		inv.DueDate = &dueDate.Time
	}
	inv.Notes = notes.String
	return &inv, nil
}

// Get returns one invoice with its items
func (s *Store) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT description, quantity, unit_price, tax_rate, amount
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Description, &item.Quantity, &item.UnitPrice, &item.TaxRate, &item.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan invoice item: %w", err)
		}
		inv.Items = append(inv.Items, item)
	}
	return inv, rows.Err()
}

// List returns the tenant's most recent invoices without items
func (s *Store) List(ctx context.Context, tenantID string, limit int) ([]*Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
