package usage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := NewPostgresLedger(db).WithRetryPolicy(RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
	return ledger, mock
}

func TestPostgresLedger_GetUsage(t *testing.T) {
	ledger, mock := newMockLedger(t)
	ctx := context.Background()
	updated := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT invoices_created, api_calls, team_members, updated_at FROM usage_records").
		WithArgs("tenant-1", "2024-01").
		WillReturnRows(sqlmock.NewRows([]string{"invoices_created", "api_calls", "team_members", "updated_at"}).
			AddRow(12, 340, 1, updated))

	rec, err := ledger.GetUsage(ctx, "tenant-1", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, int64(12), rec.InvoicesCreated)
	assert.Equal(t, int64(340), rec.APICalls)
	assert.Equal(t, int64(1), rec.TeamMembers)
	assert.Equal(t, updated, rec.UpdatedAt)

	mock.ExpectQuery("FROM usage_records").
		WithArgs("tenant-2", "2024-01").
		WillReturnError(sql.ErrNoRows)

	rec, err = ledger.GetUsage(ctx, "tenant-2", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, &Record{TenantID: "tenant-2", Month: "2024-01"}, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_IncrementUsage(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery(`INSERT INTO usage_records \(tenant_id, month, invoices_created\)`).
		WithArgs("tenant-1", "2024-01", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"invoices_created"}).AddRow(13))

	v, err := ledger.IncrementUsage(context.Background(), "tenant-1", "2024-01", FieldInvoicesCreated, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(13), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_IncrementUsage_RejectsNegativeMonotonic(t *testing.T) {
	ledger, mock := newMockLedger(t)

	_, err := ledger.IncrementUsage(context.Background(), "tenant-1", "2024-01", FieldAPICalls, -1)
	assert.ErrorIs(t, err, ErrNegativeDelta)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_IncrementUsage_RetriesTransient(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery("INSERT INTO usage_records").
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectQuery("INSERT INTO usage_records").
		WithArgs("tenant-1", "2024-01", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"api_calls"}).AddRow(1))

	v, err := ledger.IncrementUsage(context.Background(), "tenant-1", "2024-01", FieldAPICalls, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_IncrementUsage_PermanentError(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery("INSERT INTO usage_records").
		WillReturnError(&pq.Error{Code: "23514"})

	_, err := ledger.IncrementUsage(context.Background(), "tenant-1", "2024-01", FieldAPICalls, 1)
	require.Error(t, err)
	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_IncrementIfBelow(t *testing.T) {
	ctx := context.Background()

	t.Run("granted", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		mock.ExpectQuery(`WHERE usage_records.invoices_created \+ EXCLUDED.invoices_created <= \$4::bigint`).
			WithArgs("tenant-1", "2024-01", int64(1), int64(50)).
			WillReturnRows(sqlmock.NewRows([]string{"invoices_created"}).AddRow(50))

		v, ok, err := ledger.IncrementIfBelow(ctx, "tenant-1", "2024-01", FieldInvoicesCreated, 1, 50)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(50), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refused at limit", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		mock.ExpectQuery("ON CONFLICT").
			WithArgs("tenant-1", "2024-01", int64(1), int64(50)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT invoices_created").
			WithArgs("tenant-1", "2024-01").
			WillReturnRows(sqlmock.NewRows([]string{"invoices_created", "api_calls", "team_members", "updated_at"}).
				AddRow(50, 0, 1, time.Now()))

		v, ok, err := ledger.IncrementIfBelow(ctx, "tenant-1", "2024-01", FieldInvoicesCreated, 1, 50)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(50), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unlimited is unconditional", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		mock.ExpectQuery(`SET api_calls = GREATEST\(usage_records.api_calls \+ \$3::bigint, 0\)`).
			WithArgs("tenant-1", "2024-01", int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"api_calls"}).AddRow(100001))

		v, ok, err := ledger.IncrementIfBelow(ctx, "tenant-1", "2024-01", FieldAPICalls, 1, -1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(100001), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delta above limit never writes", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		mock.ExpectQuery("SELECT invoices_created").
			WithArgs("tenant-1", "2024-01").
			WillReturnError(sql.ErrNoRows)

		v, ok, err := ledger.IncrementIfBelow(ctx, "tenant-1", "2024-01", FieldTeamMembers, 2, 1)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedger_Release(t *testing.T) {
	ctx := context.Background()
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery(`UPDATE usage_records SET team_members = GREATEST\(team_members - \$3::bigint, 0\)`).
		WithArgs("tenant-1", "2024-01", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"team_members"}).AddRow(0))

	v, err := ledger.Release(ctx, "tenant-1", "2024-01", FieldTeamMembers, 1)
	require.NoError(t, err)
	assert.Zero(t, v)

	mock.ExpectQuery("UPDATE usage_records").
		WithArgs("tenant-9", "2024-01", int64(1)).
		WillReturnError(sql.ErrNoRows)

	v, err = ledger.Release(ctx, "tenant-9", "2024-01", FieldInvoicesCreated, 1)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = ledger.Release(ctx, "tenant-1", "2024-01", FieldInvoicesCreated, 0)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_History(t *testing.T) {
	ledger, mock := newMockLedger(t)
	now := time.Now().UTC()

	mock.ExpectQuery("ORDER BY month DESC").
		WithArgs("tenant-1", 12).
		WillReturnRows(sqlmock.NewRows([]string{"month", "invoices_created", "api_calls", "team_members", "updated_at"}).
			AddRow("2024-02", 5, 10, 1, now).
			AddRow("2024-01", 50, 99, 1, now))

	recs, err := ledger.History(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, Month("2024-02"), recs[0].Month)
	assert.Equal(t, int64(50), recs[1].InvoicesCreated)
	assert.NoError(t, mock.ExpectationsWereMet())
}
