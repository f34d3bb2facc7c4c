package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter is a fixed-window limiter over Redis, shared by every node
// behind the same address. The INCR+EXPIRE pair runs in a Lua script so the
// window is set atomically with its first hit.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	logger *zap.Logger

	// failOpen admits traffic when Redis is unreachable. Availability
	// wins over strictness for the token endpoint.
	failOpen bool

	script *redis.Script
}

// NewRedisLimiter creates a redis-backed fixed window limiter.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client:   client,
		limit:    limit,
		window:   window,
		prefix:   "ratelimit:",
		logger:   logger,
		failOpen: true,
		script: redis.NewScript(`
			local count = redis.call('INCR', KEYS[1])
			if count == 1 then
				redis.call('PEXPIRE', KEYS[1], ARGV[1])
			end
			local ttl = redis.call('PTTL', KEYS[1])
			return {count, ttl}
		`),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	now := time.Now()

	res, err := l.script.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Result()
	if err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit backend unavailable, failing open", zap.Error(err))
			return true, 0, now.Add(l.window), nil
		}
		return false, 0, time.Time{}, fmt.Errorf("rate limit check: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check: unexpected script result %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMillis, _ := vals[1].(int64)

	resetAt := now.Add(time.Duration(ttlMillis) * time.Millisecond)
	if count > int64(l.limit) {
		return false, 0, resetAt, nil
	}
	return true, l.limit - int(count), resetAt, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
