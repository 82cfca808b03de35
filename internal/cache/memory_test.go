package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/airouter/gateway/internal/cache"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := cache.NewMemoryCache(context.Background(), 10)
	defer c.Close()

	require := assert.New(t)
	require.NoError(c.Set(context.Background(), "k", []byte("v"), time.Minute))

	val, ok := c.Get(context.Background(), "k")
	require.True(ok)
	require.Equal([]byte("v"), val)
}

func TestMemoryCache_ExpiresLazily(t *testing.T) {
	c := cache.NewMemoryCache(context.Background(), 10)
	defer c.Close()

	_ = c.Set(context.Background(), "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestMemoryCache_EvictsLRUWhenFull(t *testing.T) {
	c := cache.NewMemoryCache(context.Background(), 2)
	defer c.Close()

	_ = c.Set(context.Background(), "a", []byte("1"), time.Minute)
	_ = c.Set(context.Background(), "b", []byte("2"), time.Minute)
	_ = c.Set(context.Background(), "c", []byte("3"), time.Minute)

	assert.LessOrEqual(t, c.Len(), 2)
}

func TestMemoryCache_Delete(t *testing.T) {
	c := cache.NewMemoryCache(context.Background(), 10)
	defer c.Close()

	_ = c.Set(context.Background(), "k", []byte("v"), time.Minute)
	require := assert.New(t)
	require.NoError(c.Delete(context.Background(), "k"))

	_, ok := c.Get(context.Background(), "k")
	require.False(ok)
}
