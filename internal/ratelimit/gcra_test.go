package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airouter/gateway/internal/ratelimit"
)

func TestMemoryLimiter_AllowsUpToCapacity(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(nil)
	limit := ratelimit.Limit{Capacity: 3, RefillFrequency: time.Minute}
	key := ratelimit.KeyForAPIKey("user-1")

	for i := 0; i < 3; i++ {
		d, err := lim.Allow(context.Background(), key, limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "iteration %d", i)
	}

	d, err := lim.Allow(context.Background(), key, limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, 0)
}

func TestMemoryLimiter_SeparateKeysIndependent(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(nil)
	limit := ratelimit.Limit{Capacity: 1, RefillFrequency: time.Minute}

	d1, _ := lim.Allow(context.Background(), ratelimit.KeyForAPIKey("a"), limit)
	d2, _ := lim.Allow(context.Background(), ratelimit.KeyForAPIKey("b"), limit)
	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
}

func TestMemoryLimiter_ZeroCapacityFallsBackToDefaultInterval(t *testing.T) {
	var warned bool
	lim := ratelimit.NewMemoryLimiter(func(string) { warned = true })
	limit := ratelimit.Limit{Capacity: 0, RefillFrequency: time.Minute}

	_, err := lim.Allow(context.Background(), "k", limit)
	require.NoError(t, err)
	assert.True(t, warned)
}

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisLimiter_AllowsUpToCapacity(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	lim := ratelimit.NewRedisLimiter(rdb, ratelimit.OutageAllow, 0, nil)
	limit := ratelimit.Limit{Capacity: 2, RefillFrequency: time.Minute}
	key := ratelimit.KeyForAPIKey("user-2")

	d1, err := lim.Allow(context.Background(), key, limit)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	d2, err := lim.Allow(context.Background(), key, limit)
	require.NoError(t, err)
	assert.True(t, d2.Allowed)

	d3, err := lim.Allow(context.Background(), key, limit)
	require.NoError(t, err)
	assert.False(t, d3.Allowed)
}

func TestRedisLimiter_DegradesGracefullyOnOutage(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // close before use

	lim := ratelimit.NewRedisLimiter(rdb, ratelimit.OutageAllow, 0, nil)
	limit := ratelimit.Limit{Capacity: 5, RefillFrequency: time.Minute}

	d, err := lim.Allow(context.Background(), "k", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_DeniesAfterThreshold(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	lim := ratelimit.NewRedisLimiter(rdb, ratelimit.OutageDenyAfter, 2, nil)
	limit := ratelimit.Limit{Capacity: 5, RefillFrequency: time.Minute}

	_, _ = lim.Allow(context.Background(), "k", limit)
	d, err := lim.Allow(context.Background(), "k", limit)
	require.Error(t, err)
	assert.False(t, d.Allowed)
}
