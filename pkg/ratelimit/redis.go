package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// windowTTL outlives the hour window so a late reader still sees it
const windowTTL = 2 * time.Hour

// RedisStore keeps an hour counter and a minute counter per (tenant,
// endpoint). Keys share a hash tag so the script touches one slot.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

func (s *RedisStore) keys(key WindowKey) []string {
	tag := fmt.Sprintf("%s:{%s:%s}", s.prefix, key.TenantID, key.Endpoint)
	return []string{
		fmt.Sprintf("%s:h:%d", tag, key.Hour.Unix()),
		fmt.Sprintf("%s:m:%d", tag, key.Minute.Unix()),
	}
}

// consumeScript returns {hourly, minute, exceeded} where exceeded is 0 when
// the request was counted, 1 for the hour window and 2 for the minute window.
var consumeScript = redis.NewScript(`
local hourly = tonumber(redis.call('GET', KEYS[1]) or '0')
local minute = tonumber(redis.call('GET', KEYS[2]) or '0')
if hourly >= tonumber(ARGV[1]) then
  return {hourly, minute, 1}
end
if minute >= tonumber(ARGV[2]) then
  return {hourly, minute, 2}
end
hourly = redis.call('INCR', KEYS[1])
minute = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return {hourly, minute, 0}
`)

// Consume runs the check and the increment as one script
func (s *RedisStore) Consume(ctx context.Context, key WindowKey, limits Limits, _ Tier) (Usage, error) {
	res, err := consumeScript.Run(ctx, s.client, s.keys(key),
		limits.Hourly, limits.Minute, int64(windowTTL/time.Second)).Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to consume rate window: %w", err)
	}
	if len(res) != 3 {
		return Usage{}, errors.New("unexpected rate window script result")
	}

	u := Usage{}
	u.Hourly, _ = res[0].(int64)
	u.Minute, _ = res[1].(int64)
	switch exceeded, _ := res[2].(int64); exceeded {
	case 1:
		u.Exceeded = WindowHourly
	case 2:
		u.Exceeded = WindowMinute
	}
	return u, nil
}

// Prune is a no-op: Redis windows expire on their own
func (s *RedisStore) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}
