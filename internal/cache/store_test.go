package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airouter/gateway/internal/cache"
)

func TestParseCacheControl_MaxAge(t *testing.T) {
	p := cache.ParseCacheControl("max-age=60, must-revalidate")
	assert.True(t, p.HasMaxAge)
	assert.Equal(t, 60*time.Second, p.MaxAge)
	assert.True(t, p.MustRevalidate)
}

func TestParseCacheControl_NoStore(t *testing.T) {
	p := cache.ParseCacheControl("no-store")
	assert.True(t, p.NoStore)
	assert.False(t, p.Storable())
}

func TestCachePolicy_Storable(t *testing.T) {
	assert.True(t, cache.ParseCacheControl("max-age=30").Storable())
	assert.False(t, cache.ParseCacheControl("").Storable())
}

func TestCachePolicy_FreshWithinMaxAge(t *testing.T) {
	p := cache.ParseCacheControl("max-age=60")
	p.StoredAt = time.Now().Add(-30 * time.Second)
	assert.True(t, p.Fresh(time.Now()))

	p.StoredAt = time.Now().Add(-90 * time.Second)
	assert.False(t, p.Fresh(time.Now()))
}

func TestBucketKey_Deterministic(t *testing.T) {
	a := cache.BucketKey("seed1", "fp1", 16)
	b := cache.BucketKey("seed1", "fp1", 16)
	c := cache.BucketKey("seed2", "fp1", 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLocalStore_PutGetRoundTrip(t *testing.T) {
	mc := cache.NewMemoryCache(context.Background(), 10)
	defer mc.Close()
	store := cache.NewLocalStore(mc)

	policy := cache.ParseCacheControl("max-age=60")
	resp := cache.HttpResponse{Status: 200, Body: []byte(`{"ok":true}`)}

	require.NoError(t, store.Put(context.Background(), "k1", resp, policy))

	got, gotPolicy, ok := store.Get(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, []byte(`{"ok":true}`), got.Body)
	assert.True(t, gotPolicy.HasMaxAge)
}

func TestLocalStore_NoStoreNeverPersists(t *testing.T) {
	mc := cache.NewMemoryCache(context.Background(), 10)
	defer mc.Close()
	store := cache.NewLocalStore(mc)

	policy := cache.ParseCacheControl("no-store")
	require.NoError(t, store.Put(context.Background(), "k2", cache.HttpResponse{Status: 200}, policy))

	_, _, ok := store.Get(context.Background(), "k2")
	assert.False(t, ok)
}
