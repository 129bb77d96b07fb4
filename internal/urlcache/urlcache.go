// Package urlcache memoizes presigned URLs so repeated result requests do
// not hit the storage backend for every read. The cache is injected where
// needed rather than held as process-wide state.
package urlcache

import (
	"context"
	"sync"
	"time"

	"voxelpipe/internal/blob"
)

// Margin subtracted from the TTL so a cached URL never expires mid-download.
const expiryMargin = 30 * time.Second

type entry struct {
	url       string
	expiresAt time.Time
}

// Cache caches presigned URLs per blob key.
type Cache struct {
	store blob.Store
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New builds a cache over the given store with a fixed TTL.
func New(store blob.Store, ttlSeconds int) *Cache {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= expiryMargin {
		ttl = expiryMargin * 2
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		entries: map[string]entry{},
		now:     time.Now,
	}
}

// URL returns a presigned URL for the key, reusing a cached one while it is
// still comfortably within its TTL.
func (c *Cache) URL(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	cached, ok := c.entries[key]
	now := c.now()
	c.mu.Unlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.url, nil
	}

	url, err := c.store.PresignedURL(ctx, key, int(c.ttl/time.Second))
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = entry{url: url, expiresAt: now.Add(c.ttl - expiryMargin)}
	c.mu.Unlock()
	return url, nil
}

// Invalidate drops the cached URL for a key, for use after re-materializing
// an artifact.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
