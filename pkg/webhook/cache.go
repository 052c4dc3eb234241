package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 30 * time.Second

// MemoryCache fronts a SubscriptionStore with a short per-process TTL so the
// worker does not hit the database once per delivery.
type MemoryCache struct {
	store SubscriptionStore
	clock func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	sub      *Subscription
	fetched  time.Time
	negative bool
}

func NewMemoryCache(store SubscriptionStore) *MemoryCache {
	return &MemoryCache{
		store:   store,
		clock:   time.Now,
		entries: make(map[string]memoryCacheEntry),
	}
}

func (c *MemoryCache) Get(ctx context.Context, id string) (*Subscription, error) {
	now := c.clock()

	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok && now.Sub(e.fetched) < cacheTTL {
		if e.negative {
			return nil, ErrSubscriptionNotFound
		}
		return e.sub, nil
	}

	sub, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.put(id, memoryCacheEntry{fetched: now, negative: true})
		}
		return nil, err
	}
	c.put(id, memoryCacheEntry{sub: sub, fetched: now})
	return sub, nil
}

// Invalidate drops one id, called after subscription admin operations.
func (c *MemoryCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *MemoryCache) put(id string, e memoryCacheEntry) {
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

// RedisCache shares subscription lookups across worker instances. Cache
// misses and Redis failures fall through to the store; the cache is an
// optimization, never a source of truth.
type RedisCache struct {
	store  SubscriptionStore
	client *redis.Client
	ttl    time.Duration
}

// cachedSubscription re-exposes the secret, which the public Subscription
// JSON deliberately omits.
type cachedSubscription struct {
	Subscription
	Secret string `json:"secret"`
}

func NewRedisCache(store SubscriptionStore, client *redis.Client) *RedisCache {
	return &RedisCache{store: store, client: client, ttl: cacheTTL}
}

func cacheKey(id string) string { return "proveniq:subscription:" + id }

func (c *RedisCache) Get(ctx context.Context, id string) (*Subscription, error) {
	if raw, err := c.client.Get(ctx, cacheKey(id)).Bytes(); err == nil {
		var cached cachedSubscription
		if err := json.Unmarshal(raw, &cached); err == nil {
			sub := cached.Subscription
			sub.Secret = cached.Secret
			return &sub, nil
		}
	}

	sub, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(cachedSubscription{Subscription: *sub, Secret: sub.Secret}); err == nil {
		c.client.Set(ctx, cacheKey(id), raw, c.ttl)
	}
	return sub, nil
}

// Invalidate drops one id from Redis.
func (c *RedisCache) Invalidate(ctx context.Context, id string) {
	c.client.Del(ctx, cacheKey(id))
}
