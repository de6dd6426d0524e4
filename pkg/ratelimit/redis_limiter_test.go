package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLimiter(client, "test"), server
}

func TestRedisLimiterAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	limiter, _ := setupRedisLimiter(t)

	for i := 0; i < 5; i++ {
		decision, err := limiter.Attempt(ctx, "login:abc", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "attempt %d should be allowed", i+1)
	}

	decision, err := limiter.Attempt(ctx, "login:abc", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestRedisLimiterWindowExpires(t *testing.T) {
	ctx := context.Background()
	limiter, server := setupRedisLimiter(t)

	for i := 0; i < 2; i++ {
		_, err := limiter.Attempt(ctx, "notify:xyz", 2, time.Minute)
		require.NoError(t, err)
	}
	decision, err := limiter.Attempt(ctx, "notify:xyz", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	server.FastForward(61 * time.Second)

	decision, err = limiter.Attempt(ctx, "notify:xyz", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRedisLimiterReset(t *testing.T) {
	ctx := context.Background()
	limiter, _ := setupRedisLimiter(t)

	for i := 0; i < 3; i++ {
		_, err := limiter.Attempt(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
	}
	decision, err := limiter.Attempt(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	require.NoError(t, limiter.Reset(ctx, "k"))

	decision, err = limiter.Attempt(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
