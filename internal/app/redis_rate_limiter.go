/**
 * @description
 * Redis-backed throttling for the interactive draw and roll endpoints. One
 * counter per (scope, subject) pair, opened on the first hit and expired
 * after the window. The Lua script keeps INCR and PEXPIRE atomic so two
 * racing requests cannot both open a fresh window.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript counts one hit, stamps the window TTL on the first, and
// returns both so the caller can derive a Retry-After.
var consumeScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// RedisRateLimiter throttles the interactive challenge endpoints. A nil
// limiter or client disables throttling, which is how the service runs when
// Redis is not configured.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "stashly:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// ConsumeRateLimit counts one hit against the (scope, subject) window and
// reports the running count plus the seconds until the window resets. All
// zero values mean the limiter does not apply to this call.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.prefix + ":" + scope + ":" + subject
	raw, err := consumeScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, 0, fmt.Errorf("redis limiter returned %T, want [hits ttl]", raw)
	}
	hits, hitsOK := reply[0].(int64)
	ttlMs, ttlOK := reply[1].(int64)
	if !hitsOK || !ttlOK {
		return 0, 0, fmt.Errorf("redis limiter reply types %T/%T, want integers", reply[0], reply[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int((ttlMs + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(hits), retryAfter, nil
}
