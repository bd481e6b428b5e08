//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honestinvoice/gatekeeper/pkg/storage/postgres/pgtest"
)

func windowKey(tenant string, now time.Time) WindowKey {
	return WindowKey{
		TenantID: tenant,
		Endpoint: "/v1/invoices",
		Hour:     now.Truncate(time.Hour),
		Minute:   now.Truncate(time.Minute),
	}
}

func TestPostgresStore_Integration_ConcurrentConsumeAtMinuteLimit(t *testing.T) {
	db := pgtest.Setup(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	key := windowKey("tenant-1", time.Now().UTC())
	limits := Limits{Hourly: 1000, Minute: 10}

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := store.Consume(ctx, key, limits, TierFree)
			if !assert.NoError(t, err) {
				return
			}
			if u.Exceeded == "" {
				allowed.Add(1)
				assert.LessOrEqual(t, u.Minute, int64(10))
				return
			}
			denied.Add(1)
			assert.Equal(t, WindowMinute, u.Exceeded)
			assert.Equal(t, int64(10), u.Minute)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	assert.Equal(t, int64(5), denied.Load())

	u, err := store.Consume(ctx, key, limits, TierFree)
	require.NoError(t, err)
	assert.Equal(t, WindowMinute, u.Exceeded)
	assert.Equal(t, int64(10), u.Minute)
	assert.Equal(t, int64(10), u.Hourly)
}

func TestPostgresStore_Integration_HourlySpansMinuteWindows(t *testing.T) {
	db := pgtest.Setup(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Hour)
	limits := Limits{Hourly: 5, Minute: 3}

	for i := 0; i < 3; i++ {
		u, err := store.Consume(ctx, windowKey("tenant-1", start), limits, TierFree)
		require.NoError(t, err)
		require.Empty(t, u.Exceeded)
	}
	later := start.Add(2 * time.Minute)
	for i := 0; i < 2; i++ {
		u, err := store.Consume(ctx, windowKey("tenant-1", later), limits, TierFree)
		require.NoError(t, err)
		require.Empty(t, u.Exceeded)
	}

	u, err := store.Consume(ctx, windowKey("tenant-1", later), limits, TierFree)
	require.NoError(t, err)
	assert.Equal(t, WindowHourly, u.Exceeded)
	assert.Equal(t, int64(5), u.Hourly)
	assert.Equal(t, int64(2), u.Minute)

	u, err = store.Consume(ctx, windowKey("tenant-2", later), limits, TierFree)
	require.NoError(t, err)
	assert.Empty(t, u.Exceeded)
	assert.Equal(t, int64(1), u.Minute)
}
