package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter limiter shared by all workers
// across processes.
//
// The Lua script increments and checks in one round trip; when the
// counter would exceed the limit it is rolled back and the window's
// remaining TTL is returned, so the caller knows exactly when to retry.
type RedisLimiter struct {
	rdb   *redis.Client
	rules Rules
}

func NewRedisLimiter(rdb *redis.Client, rules Rules) *RedisLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RedisLimiter{rdb: rdb, rules: rules}
}

var windowScript = redis.NewScript(`
-- KEYS[1] = window counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = window_ms (int)
--
-- Returns {1, 0} when allowed, {0, ttl_ms} when the window is exhausted.
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  -- Ensure TTL exists even if the key somehow lost it.
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end

if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    ttl = tonumber(ARGV[2])
  end
  return {0, ttl}
end
return {1, 0}
`)

func (l *RedisLimiter) Allow(ctx context.Context, tier, op string) (bool, time.Duration, error) {
	rule, found := l.rules.Lookup(tier, op)
	if !found {
		return true, 0, nil
	}
	if err := rule.validate(); err != nil {
		return false, 0, err
	}

	key := fmt.Sprintf("lfrl:%s:%s", tier, op)
	res, err := windowScript.Run(ctx, l.rdb, []string{key}, rule.Limit, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}
