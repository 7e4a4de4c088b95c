package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inletworks/inlet/internal/metrics"
)

// RedisLimiter implements the same sliding-window contract as
// MemoryLimiter on a shared Redis instance, for deployments running more
// than one gateway replica. The window lives in a sorted set and is
// mutated atomically by a Lua script; consecutive violations are tracked
// in a companion counter key.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// checkScript prunes expired timestamps, counts the window and either
// admits the request or reports the oldest timestamp so the caller can
// compute the retry delay. Runs atomically inside Redis.
const checkScript = `
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	local current = redis.call('ZCARD', key)
	if current < limit then
		redis.call('ZADD', key, now, now)
		redis.call('EXPIRE', key, ttl)
		return {1, limit - current - 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, 0, tonumber(oldest[2])}
`

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
	}, nil
}

// Check implements Limiter.
func (r *RedisLimiter) Check(ctx context.Context, identity string) (Decision, error) {
	now := time.Now()
	windowStart := now.Add(-r.window).UnixNano()
	ttl := int64(r.window.Seconds()) + 1

	res, err := r.client.Eval(ctx, checkScript,
		[]string{"ratelimit:window:" + identity},
		now.UnixNano(), windowStart, r.limit, ttl,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	violKey := "ratelimit:violations:" + identity

	if res[0] == 1 {
		// Allowed: a successful request resets the escalation counter.
		r.client.Del(ctx, violKey)
		return Decision{Allowed: true, Remaining: int(res[1])}, nil
	}

	violations, err := r.client.Incr(ctx, violKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit violation count failed: %w", err)
	}
	r.client.Expire(ctx, violKey, r.window)

	metrics.RateLimitHits.WithLabelValues(identity).Inc()

	base := time.Unix(0, res[2]).Add(r.window).Sub(now)
	if base <= 0 {
		base = time.Millisecond
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: base * time.Duration(violations),
		Violations: int(violations),
	}, nil
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
