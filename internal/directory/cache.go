package directory

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/listflow/model"
)

// Source is anything that can resolve a user by ID.
type Source interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
}

type cacheEntry struct {
	user    model.User
	expires time.Time
}

// Cached wraps a Source with an in-memory TTL cache. Misses (NOT_FOUND) are
// not cached.
type Cached struct {
	source Source
	ttl    time.Duration
	mu     sync.RWMutex
	cache  map[string]cacheEntry

	onHit  func()
	onMiss func()
}

// CacheOption configures a Cached directory.
type CacheOption func(*Cached)

// WithCacheObserver registers callbacks invoked on cache hits and misses.
func WithCacheObserver(onHit, onMiss func()) CacheOption {
	return func(c *Cached) {
		c.onHit = onHit
		c.onMiss = onMiss
	}
}

// NewCached creates a cached directory in front of source.
func NewCached(source Source, ttl time.Duration, opts ...CacheOption) *Cached {
	c := &Cached{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetUser returns the user, consulting the cache first.
func (c *Cached) GetUser(ctx context.Context, userID string) (model.User, error) {
	c.mu.RLock()
	if entry, ok := c.cache[userID]; ok && time.Now().Before(entry.expires) {
		c.mu.RUnlock()
		if c.onHit != nil {
			c.onHit()
		}
		return entry.user, nil
	}
	c.mu.RUnlock()

	if c.onMiss != nil {
		c.onMiss()
	}

	u, err := c.source.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}

	c.mu.Lock()
	c.cache[userID] = cacheEntry{user: u, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return u, nil
}

// Invalidate drops the cached entry for userID.
func (c *Cached) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}
