package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

var testKey = WindowKey{
	TenantID: "tenant-3",
	Endpoint: "invoices",
	Hour:     time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC),
	Minute:   time.Date(2024, time.March, 10, 9, 15, 0, 0, time.UTC),
}

func expectLockAndSum(mock sqlmock.Sqlmock, hourly, minute int64) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1 \|\| ':' \|\| \$2\)\)`).
		WithArgs("tenant-3", "invoices").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(request_count\), 0\)`).
		WithArgs("tenant-3", "invoices", testKey.Hour, testKey.Minute).
		WillReturnRows(sqlmock.NewRows([]string{"hourly", "minute"}).AddRow(hourly, minute))
}

func TestPostgresStore_Consume(t *testing.T) {
	store, mock := newMockStore(t)

	expectLockAndSum(mock, 5, 2)
	mock.ExpectQuery(`INSERT INTO rate_limits .* ON CONFLICT \(tenant_id, endpoint, window_start\) DO UPDATE`).
		WithArgs("tenant-3", "invoices", testKey.Minute, "free").
		WillReturnRows(sqlmock.NewRows([]string{"request_count"}).AddRow(3))
	mock.ExpectCommit()

	u, err := store.Consume(context.Background(), testKey, Limits{Hourly: 100, Minute: 10}, TierFree)
	require.NoError(t, err)
	assert.Equal(t, Usage{Hourly: 6, Minute: 3}, u)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Consume_Exceeded(t *testing.T) {
	tests := []struct {
		name   string
		hourly int64
		minute int64
		want   Window
	}{
		{"hourly", 100, 4, WindowHourly},
		{"hourly wins over minute", 100, 10, WindowHourly},
		{"minute", 57, 10, WindowMinute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			expectLockAndSum(mock, tt.hourly, tt.minute)
			mock.ExpectCommit()

			u, err := store.Consume(context.Background(), testKey, Limits{Hourly: 100, Minute: 10}, TierFree)
			require.NoError(t, err)
			assert.Equal(t, Usage{Hourly: tt.hourly, Minute: tt.minute, Exceeded: tt.want}, u)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_Consume_LockFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.Consume(context.Background(), testKey, Limits{Hourly: 100, Minute: 10}, TierFree)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Prune(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM rate_limits WHERE window_start < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
