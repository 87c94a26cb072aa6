package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a fixed-window limit: at most Limit requests per Window.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// RuleFor converts a token-bucket setting into a fixed window that admits
// burst requests every burst/rate seconds.
func RuleFor(prefix string, rate float64, burst int) Rule {
	if burst < 1 {
		burst = 1
	}
	window := time.Second
	if rate > 0 {
		window = time.Duration(float64(burst) / rate * float64(time.Second))
	}
	return Rule{Prefix: prefix, Limit: burst, Window: max(window, time.Millisecond)}
}

// windowScript increments the window counter, starting its expiry on the
// first hit. It returns the count and the window's remaining milliseconds.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisLimiter implements Limiter with a fixed window counter in Redis.
type RedisLimiter struct {
	client *redis.Client
	rule   Rule
}

// NewRedisLimiter creates a limiter over client. The client is owned by the
// caller; Close does not close it.
func NewRedisLimiter(client *redis.Client, rule Rule) *RedisLimiter {
	if rule.Prefix == "" {
		rule.Prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, rule: rule}
}

// Allow counts one request for key in the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	k := l.rule.Prefix + ":" + key
	vals, err := windowScript.Run(ctx, l.client, []string{k}, l.rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis window %s: %w", k, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %v", vals)
	}
	count, ttl := vals[0], vals[1]
	return Result{
		Allowed:   count <= int64(l.rule.Limit),
		Limit:     l.rule.Limit,
		Remaining: max(l.rule.Limit-int(count), 0),
		ResetAt:   time.Now().Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }
