package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Consume(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()
	limits := Limits{Hourly: 3, Minute: 2}

	u, err := store.Consume(ctx, testKey, limits, TierFree)
	require.NoError(t, err)
	assert.Equal(t, Usage{Hourly: 1, Minute: 1}, u)

	u, err = store.Consume(ctx, testKey, limits, TierFree)
	require.NoError(t, err)
	assert.Equal(t, Usage{Hourly: 2, Minute: 2}, u)

	u, err = store.Consume(ctx, testKey, limits, TierFree)
	require.NoError(t, err)
	assert.Equal(t, Usage{Hourly: 2, Minute: 2, Exceeded: WindowMinute}, u)

	next := testKey
	next.Minute = next.Minute.Add(time.Minute)
	u, err = store.Consume(ctx, next, limits, TierFree)
	require.NoError(t, err)
	assert.Equal(t, Usage{Hourly: 3, Minute: 1}, u)

	next.Minute = next.Minute.Add(time.Minute)
	u, err = store.Consume(ctx, next, limits, TierFree)
	require.NoError(t, err)
	assert.Equal(t, Usage{Hourly: 3, Minute: 0, Exceeded: WindowHourly}, u)

	keys := store.keys(testKey)
	assert.Equal(t, "ratelimit:{tenant-3:invoices}:h:1710061200", keys[0])
	assert.Equal(t, windowTTL, mr.TTL(keys[0]))
	assert.Equal(t, windowTTL, mr.TTL(keys[1]))

	n, err := store.Prune(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	_, err := NewRedisStore(client).Consume(context.Background(), testKey, Limits{Hourly: 3, Minute: 2}, TierFree)
	assert.Error(t, err)
}
