package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ResponseCache is the short-TTL response store behind the REST tier.
// Implementations are best-effort: a cache failure is a miss, never an
// error surfaced to the fetch path.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, body []byte, ttl time.Duration)
}

// MemoryCache is the process-local ResponseCache used when Redis is not
// configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	body    []byte
	expires time.Time
}

// NewMemoryCache creates an empty in-process response cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.body, true
}

func (c *MemoryCache) Set(_ context.Context, key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map from accumulating dead keys under
	// a churning key set.
	if len(c.entries) > 4096 {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = memoryEntry{body: body, expires: c.now().Add(ttl)}
}

// RedisCache is the Redis-backed ResponseCache for deployments that share
// the warm tier across processes.
type RedisCache struct {
	client    redis.Cmdable
	keyPrefix string
	logger    zerolog.Logger
}

// NewRedisCache wraps an existing Redis client as a ResponseCache.
func NewRedisCache(client redis.Cmdable, keyPrefix string, logger zerolog.Logger) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With().Str("component", "redis_cache").Logger(),
	}
}

// NewRedisClient dials Redis with the pool and timeout settings the warm
// tier runs with.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	body, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Msg("redis get failed")
		}
		return nil, false
	}
	return body, true
}

func (c *RedisCache) Set(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, body, ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("redis set failed")
	}
}
