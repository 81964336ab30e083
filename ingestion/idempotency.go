package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyCache maps an Idempotency-Key header to the event_id that key
// already produced, for the TTL the original in-memory
// {key: (event_id, expire_ts)} store used (10 minutes) — grounded on
// apps/api/routers/data_ingestion.py's _idempotency_store.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, eventID string, ttl time.Duration)
}

// RedisIdempotencyCache backs the cache with Redis, so idempotency survives
// a process restart and is shared across replicas of this service.
type RedisIdempotencyCache struct {
	client *redis.Client
}

func NewRedisIdempotencyCache(addr string) *RedisIdempotencyCache {
	return &RedisIdempotencyCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, "idempotency:"+key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, key, eventID string, ttl time.Duration) {
	c.client.Set(ctx, "idempotency:"+key, eventID, ttl)
}

// MemoryIdempotencyCache is the fallback used when no Redis address is
// configured — matching the original module's own in-memory dict plus
// lazy-expiry cleanup approach, just without the "clean up every 29th
// second" heuristic since a mutex-guarded map can expire lazily on Get.
type MemoryIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	eventID string
	expires time.Time
}

func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryIdempotencyCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.entries, key)
		return "", false
	}
	return entry.eventID, true
}

func (c *MemoryIdempotencyCache) Set(ctx context.Context, key, eventID string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{eventID: eventID, expires: time.Now().Add(ttl)}
}
