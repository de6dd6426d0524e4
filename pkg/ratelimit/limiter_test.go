package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryLimiter(0)

	for i := 0; i < 5; i++ {
		decision, err := limiter.Attempt(ctx, "login:abc", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "attempt %d should be allowed", i+1)
		assert.Equal(t, 4-i, decision.Remaining)
	}

	decision, err := limiter.Attempt(ctx, "login:abc", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(0, WithClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		decision, err := limiter.Attempt(ctx, "notify:xyz", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}

	decision, err := limiter.Attempt(ctx, "notify:xyz", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, time.Minute, decision.RetryAfter)

	// Advance past the window; counter starts fresh
	now = now.Add(61 * time.Second)
	decision, err = limiter.Attempt(ctx, "notify:xyz", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestMemoryLimiterRetryAfterShrinks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(0, WithClock(func() time.Time { return now }))

	_, err := limiter.Attempt(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	now = now.Add(40 * time.Second)
	decision, err := limiter.Attempt(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 20*time.Second, decision.RetryAfter)
}

func TestMemoryLimiterReset(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryLimiter(0)

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

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryLimiter(0)

	for i := 0; i < 5; i++ {
		_, err := limiter.Attempt(ctx, "login:a", 5, time.Minute)
		require.NoError(t, err)
	}
	decision, err := limiter.Attempt(ctx, "login:a", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	decision, err = limiter.Attempt(ctx, "login:b", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
