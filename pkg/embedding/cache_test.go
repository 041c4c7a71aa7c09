package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (VectorCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Minute, nil), mr
}

func TestRedisCache_RoundTrip(t *testing.T) {
	cache, _ := newRedisCache(t)
	ctx := context.Background()

	key := CacheKey(TaskQuery, "audit requirements")
	cache.Set(ctx, key, []float32{0.25, -0.5})

	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -0.5}, got)
}

func TestRedisCache_MissAndCorruptEntry(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "emb:missing")
	assert.False(t, ok)

	require.NoError(t, mr.Set("emb:bad", "not json"))
	_, ok = cache.Get(ctx, "emb:bad")
	assert.False(t, ok)
	// The corrupt entry is evicted on read.
	assert.False(t, mr.Exists("emb:bad"))
}

func TestRedisCache_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisCache(client, time.Second, nil)
	ctx := context.Background()

	cache.Set(ctx, "emb:k", []float32{1})
	mr.FastForward(2 * time.Second)

	_, ok := cache.Get(ctx, "emb:k")
	assert.False(t, ok)
}

func TestTieredCache_BackfillsLocal(t *testing.T) {
	shared, _ := newRedisCache(t)
	local := NewMemoryCache(10, time.Minute)
	cache := NewTieredCache(local, shared)
	ctx := context.Background()

	shared.Set(ctx, "emb:k", []float32{0.9})

	got, ok := cache.Get(ctx, "emb:k")
	require.True(t, ok)
	assert.Equal(t, []float32{0.9}, got)

	// Now present locally too.
	_, ok = local.Get(ctx, "emb:k")
	assert.True(t, ok)
}

func TestCacheKey_TaskSeparation(t *testing.T) {
	assert.NotEqual(t, CacheKey(TaskQuery, "text"), CacheKey(TaskPassage, "text"))
	assert.Equal(t, CacheKey(TaskQuery, "text"), CacheKey(TaskQuery, "text"))
}
