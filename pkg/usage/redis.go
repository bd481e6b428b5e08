package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLedger keeps one hash per tenant and month. It relies on Redis
// persistence (AOF) for durability since rows are never expired.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLedger creates a ledger on client
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, keyPrefix: "usage"}
}

func (l *RedisLedger) key(tenantID string, month Month) string {
	return fmt.Sprintf("%s:{%s}:%s", l.keyPrefix, tenantID, month)
}

func nowUnix() int64 { return time.Now().Unix() }

// incrementIfBelowScript returns {1, new} on success or {0, current}.
var incrementIfBelowScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local delta = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if current + delta > limit then
  return {0, current}
end
local updated = redis.call('HINCRBY', KEYS[1], ARGV[1], delta)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
return {1, updated}
`)

// addFlooredScript adds a possibly negative delta without going below zero.
var addFlooredScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local updated = current + tonumber(ARGV[2])
if updated < 0 then
  updated = 0
end
redis.call('HSET', KEYS[1], ARGV[1], updated, 'updated_at', ARGV[3])
return updated
`)

// GetUsage reads one month of usage
func (l *RedisLedger) GetUsage(ctx context.Context, tenantID string, month Month) (*Record, error) {
	values, err := l.client.HGetAll(ctx, l.key(tenantID, month)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	rec := &Record{TenantID: tenantID, Month: month}
	for field, raw := range values {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch field {
		case string(FieldInvoicesCreated):
			rec.InvoicesCreated = n
		case string(FieldAPICalls):
			rec.APICalls = n
		case string(FieldTeamMembers):
			rec.TeamMembers = n
		case "updated_at":
			rec.UpdatedAt = time.Unix(n, 0).UTC()
		}
	}
	return rec, nil
}

// IncrementUsage atomically adds delta
func (l *RedisLedger) IncrementUsage(ctx context.Context, tenantID string, month Month, field Field, delta int64) (int64, error) {
	if err := validate(tenantID, month, field, delta); err != nil {
		return 0, err
	}

	key := l.key(tenantID, month)
	if delta < 0 {
		v, err := addFlooredScript.Run(ctx, l.client, []string{key}, string(field), delta, nowUnix()).Int64()
		if err != nil {
			return 0, fmt.Errorf("failed to increment %s: %w", field, err)
		}
		return v, nil
	}

	pipe := l.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, string(field), delta)
	pipe.HSet(ctx, key, "updated_at", nowUnix())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return incr.Val(), nil
}

// IncrementIfBelow runs the conditional increment as one Lua script
func (l *RedisLedger) IncrementIfBelow(ctx context.Context, tenantID string, month Month, field Field, delta, limit int64) (int64, bool, error) {
	if limit < 0 {
		v, err := l.IncrementUsage(ctx, tenantID, month, field, delta)
		return v, err == nil, err
	}
	if err := validate(tenantID, month, field, delta); err != nil {
		return 0, false, err
	}
	if delta <= 0 {
		return 0, false, fmt.Errorf("%w: reservation delta must be positive", ErrNegativeDelta)
	}

	res, err := incrementIfBelowScript.Run(ctx, l.client, []string{l.key(tenantID, month)},
		string(field), delta, limit, nowUnix()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve %s: %w", field, err)
	}
	if len(res) != 2 {
		return 0, false, errors.New("unexpected reservation script result")
	}
	ok, _ := res[0].(int64)
	value, _ := res[1].(int64)
	return value, ok == 1, nil
}

// Release subtracts delta, flooring at zero
func (l *RedisLedger) Release(ctx context.Context, tenantID string, month Month, field Field, delta int64) (int64, error) {
	if err := validate(tenantID, month, field, 0); err != nil {
		return 0, err
	}
	if delta <= 0 {
		return 0, fmt.Errorf("release delta must be positive, got %d", delta)
	}

	v, err := addFlooredScript.Run(ctx, l.client, []string{l.key(tenantID, month)}, string(field), -delta, nowUnix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to release %s: %w", field, err)
	}
	return v, nil
}
