package apikeys

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

var created = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func TestStore_Create(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "CI agent", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	k, raw, err := store.Create(context.Background(), "tenant-1", "CI agent")
	require.NoError(t, err)
	assert.True(t, ValidFormat(raw))
	assert.Equal(t, raw[:10], k.Prefix)
	assert.True(t, k.Active)
	assert.Equal(t, created, k.CreatedAt)
	assert.NotEqual(t, uuid.Nil, k.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Create_StoresHashNotKey(t *testing.T) {
	store, mock := newMockStore(t)

	var stored string
	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "CI agent", sqlmock.AnyArg(), hashCapture{&stored}).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	_, raw, err := store.Create(context.Background(), "tenant-1", "CI agent")
	require.NoError(t, err)
	assert.Equal(t, Hash(raw), stored)
	assert.False(t, strings.Contains(stored, raw))
}

// hashCapture records the argument it is matched against
type hashCapture struct {
	into *string
}

func (h hashCapture) Match(v driver.Value) bool {
	s, ok := v.(string)
	*h.into = s
	return ok
}

func TestStore_List(t *testing.T) {
	store, mock := newMockStore(t)
	used := created.Add(time.Hour)
	id1, id2 := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT id, name, key_prefix, is_active, created_at, last_used_at FROM api_keys").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "key_prefix", "is_active", "created_at", "last_used_at"}).
			AddRow(id1.String(), "new", "hi_0123456", true, created, used).
			AddRow(id2.String(), "old", "hi_abcdef0", false, created.Add(-time.Hour), nil))

	keys, err := store.List(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, id1, keys[0].ID)
	require.NotNil(t, keys[0].LastUsedAt)
	assert.Equal(t, used, *keys[0].LastUsedAt)
	assert.False(t, keys[1].Active)
	assert.Nil(t, keys[1].LastUsedAt)
	assert.Equal(t, "tenant-1", keys[1].TenantID)
}

func TestStore_Revoke(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		wantErr error
	}{
		{"active key", 1, nil},
		{"unknown or already revoked", 0, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			id := uuid.New()
			mock.ExpectExec("UPDATE api_keys SET is_active = FALSE").
				WithArgs("tenant-1", id).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			err := store.Revoke(context.Background(), "tenant-1", id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_Authenticate(t *testing.T) {
	raw := KeyPrefix + strings.Repeat("0f", KeyBytes)
	id := uuid.New()
	used := created.Add(24 * time.Hour)

	t.Run("active key", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE api_keys SET last_used_at = NOW").
			WithArgs(Hash(raw)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "key_prefix", "created_at", "last_used_at"}).
				AddRow(id.String(), "tenant-1", "CI agent", raw[:10], created, used))

		k, err := store.Authenticate(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, id, k.ID)
		assert.Equal(t, "tenant-1", k.TenantID)
		require.NotNil(t, k.LastUsedAt)
		assert.Equal(t, used, *k.LastUsedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown or revoked key", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE api_keys SET last_used_at = NOW").
			WithArgs(Hash(raw)).
			WillReturnError(sql.ErrNoRows)

		_, err := store.Authenticate(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("malformed key never reaches the database", func(t *testing.T) {
		store, mock := newMockStore(t)
		_, err := store.Authenticate(context.Background(), "not-a-key")
		assert.ErrorIs(t, err, ErrInvalidKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE api_keys").WillReturnError(assert.AnError)

		_, err := store.Authenticate(context.Background(), raw)
		assert.ErrorIs(t, err, assert.AnError)
		assert.NotErrorIs(t, err, ErrInvalidKey)
	})
}
