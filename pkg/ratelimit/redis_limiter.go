package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter on a shared Redis instance, for deployments
// where multiple nodes must see one counter per key.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLimiter creates a Redis-backed rate limiter. All keys are stored
// under the given prefix.
func NewRedisLimiter(client redis.Cmdable, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
	}
}

func (l *RedisLimiter) redisKey(key string) string {
	return l.prefix + ":" + key
}

// Attempt consumes one attempt for the given key. The counter expires with
// the window, so the first increment of each window sets the TTL.
func (l *RedisLimiter) Attempt(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	redisKey := l.redisKey(key)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment counter: %w", err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to set counter expiry: %w", err)
		}
	}

	if count > int64(limit) {
		ttl, err := l.client.PTTL(ctx, redisKey).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read counter expiry: %w", err)
		}
		if ttl < 0 {
			// Counter lost its TTL (e.g. Redis restarted mid-window); start over
			ttl = window
			if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
				return Decision{}, fmt.Errorf("failed to restore counter expiry: %w", err)
			}
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: ttl,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: limit - int(count),
	}, nil
}

// Reset clears the counter for a key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete counter: %w", err)
	}
	return nil
}
