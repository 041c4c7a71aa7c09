package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

// VectorCache stores query embeddings keyed by (task, text)
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vector []float32)
}

// CacheKey derives the cache key for a task and text
func CacheKey(task, text string) string {
	sum := sha256.Sum256([]byte(task + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// memoryCache is an in-process LRU with per-entry TTL
type memoryCache struct {
	lru *expirable.LRU[string, []float32]
}

// NewMemoryCache creates an in-process vector cache
func NewMemoryCache(maxSize int, ttl time.Duration) VectorCache {
	if maxSize <= 0 {
		maxSize = 4000
	}
	return &memoryCache{
		lru: expirable.NewLRU[string, []float32](maxSize, nil, ttl),
	}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	return c.lru.Get(key)
}

func (c *memoryCache) Set(_ context.Context, key string, vector []float32) {
	c.lru.Add(key, vector)
}

// redisCache shares query embeddings across instances. Failures degrade to a
// cache miss; the provider call is the fallback.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger observability.Logger
}

// NewRedisCache creates a redis-backed vector cache
func NewRedisCache(client *redis.Client, ttl time.Duration, logger observability.Logger) VectorCache {
	if logger == nil {
		logger = observability.NewLogger("embedding.cache.redis")
	}
	return &redisCache{client: client, ttl: ttl, logger: logger}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Redis cache read failed", map[string]interface{}{"error": err.Error()})
		}
		return nil, false
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		c.logger.Warn("Corrupt cache entry dropped", map[string]interface{}{"key": key})
		c.client.Del(ctx, key)
		return nil, false
	}
	return vector, true
}

func (c *redisCache) Set(ctx context.Context, key string, vector []float32) {
	raw, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Redis cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

// tieredCache checks memory first, then the shared layer, and backfills memory
// on a shared-layer hit.
type tieredCache struct {
	local  VectorCache
	shared VectorCache
}

// NewTieredCache composes a local and a shared cache
func NewTieredCache(local, shared VectorCache) VectorCache {
	return &tieredCache{local: local, shared: shared}
}

func (c *tieredCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := c.local.Get(ctx, key); ok {
		return v, true
	}
	if v, ok := c.shared.Get(ctx, key); ok {
		c.local.Set(ctx, key, v)
		return v, true
	}
	return nil, false
}

func (c *tieredCache) Set(ctx context.Context, key string, vector []float32) {
	c.local.Set(ctx, key, vector)
	c.shared.Set(ctx, key, vector)
}
