package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/tutoring-contracts/internal/repository"
)

func newRedisLimiter(t *testing.T) (repository.RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewRedisRateLimiter(client, "ratelimit:"), server
}

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	limiter, server := newRedisLimiter(t)
	ctx := context.Background()
	window := 15 * time.Minute
	start := time.Date(2026, 1, 20, 2, 0, 0, 0, time.UTC)
	key := "otp:student@example.com:contract-1"

	for _, offset := range []time.Duration{0, time.Minute, 3 * time.Minute} {
		allowed, retryAfter, err := limiter.Allow(ctx, key, 3, window, start.Add(offset))
		require.NoError(t, err)
		assert.True(t, allowed, "hit at +%s", offset)
		assert.Zero(t, retryAfter)
	}
	assert.True(t, server.Exists("ratelimit:"+key))

	// fourth hit waits for the oldest one to leave the window
	allowed, retryAfter, err := limiter.Allow(ctx, key, 3, window, start.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 12*time.Minute, retryAfter)

	allowed, retryAfter, err = limiter.Allow(ctx, key, 3, window, start.Add(window-time.Millisecond))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Millisecond, retryAfter)

	allowed, _, err = limiter.Allow(ctx, key, 3, window, start.Add(window))
	require.NoError(t, err)
	assert.True(t, allowed)

	// window is full again, now the +1m hit is the oldest
	allowed, retryAfter, err = limiter.Allow(ctx, key, 3, window, start.Add(window))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retryAfter)
}

func TestRedisRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := newRedisLimiter(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 20, 2, 0, 0, 0, time.UTC)

	allowed, _, err := limiter.Allow(ctx, "otp:a", 1, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "otp:a", 1, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "otp:b", 1, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_ServerDown(t *testing.T) {
	limiter, server := newRedisLimiter(t)
	server.Close()

	_, _, err := limiter.Allow(context.Background(), "otp:a", 3, time.Minute, time.Now())
	assert.Error(t, err)
}
