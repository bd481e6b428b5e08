package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single URL", "postgres://localhost:5432/db", []string{"postgres://localhost:5432/db"}},
		{
			"whitespace and empty entries",
			" postgres://host1/db ,, postgres://host2/db , ",
			[]string{"postgres://host1/db", "postgres://host2/db"},
		},
		{"only commas", " , , ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func newPingDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestConnectionManager_Replica(t *testing.T) {
	primary, _ := newPingDB(t)
	r1, _ := newPingDB(t)
	r2, _ := newPingDB(t)

	cm := NewConnectionManagerFromDB(primary)
	assert.Same(t, primary, cm.Replica(), "falls back to primary without replicas")

	cm = NewConnectionManagerFromDB(primary, r1, r2)
	seen := map[*sql.DB]int{}
	for i := 0; i < 4; i++ {
		seen[cm.Replica()]++
	}
	assert.Equal(t, 2, seen[r1])
	assert.Equal(t, 2, seen[r2])
	assert.Same(t, primary, cm.Primary())
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("primary down", func(t *testing.T) {
		primary, mock := newPingDB(t)
		mock.ExpectPing().WillReturnError(errors.New("refused"))

		err := NewConnectionManagerFromDB(primary).HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pmock := newPingDB(t)
		replica, rmock := newPingDB(t)
		pmock.ExpectPing()
		rmock.ExpectPing().WillReturnError(errors.New("refused"))

		err := NewConnectionManagerFromDB(primary, replica).HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})

	t.Run("healthy", func(t *testing.T) {
		primary, pmock := newPingDB(t)
		replica, rmock := newPingDB(t)
		pmock.ExpectPing()
		rmock.ExpectPing()

		assert.NoError(t, NewConnectionManagerFromDB(primary, replica).HealthCheck(context.Background()))
	})
}

func TestConnectionManager_Close(t *testing.T) {
	primary, pmock := newPingDB(t)
	replica, rmock := newPingDB(t)
	pmock.ExpectClose()
	rmock.ExpectClose()

	cm := NewConnectionManagerFromDB(primary, replica)
	require.NoError(t, cm.Close())
	assert.Same(t, primary, cm.Replica())
	assert.NoError(t, pmock.ExpectationsWereMet())
	assert.NoError(t, rmock.ExpectationsWereMet())
}
