// Package inmem provides the default in-process cache backend with lazy
// TTL eviction. Expired entries are dropped when read or swept in bulk.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/kurral/kurral/runtime/cache"
)

type (
	// Options configures the in-memory cache.
	Options struct {
		// TTL is the entry lifetime. Defaults to cache.DefaultTTL.
		TTL time.Duration

		// Clock overrides the time source, used by tests.
		Clock func() time.Time
	}

	// Cache is a mutex-guarded map keyed by cache key. Expired entries are
	// dropped on access; EvictExpired sweeps the whole map.
	Cache struct {
		mu        sync.Mutex
		entries   map[string]cache.Entry
		ttl       time.Duration
		now       func() time.Time
		hits      int64
		misses    int64
		evictions int64
	}
)

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		entries: make(map[string]cache.Entry),
		ttl:     opts.TTL,
		now:     opts.Clock,
	}
}

// Put implements cache.Cache.
func (c *Cache) Put(_ context.Context, key string, e cache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.StoredAt = c.now()
	c.entries[key] = e
	return nil
}

// Get implements cache.Cache. An expired entry is removed and counted as
// both an eviction and a miss.
func (c *Cache) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return cache.Entry{}, false, nil
	}
	if c.expired(e) {
		delete(c.entries, key)
		c.evictions++
		c.misses++
		return cache.Entry{}, false, nil
	}
	c.hits++
	return e, true, nil
}

// Evict implements cache.Cache. Evicting an absent key is a no-op.
func (c *Cache) Evict(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.evictions++
	}
	return nil
}

// EvictExpired implements cache.Cache.
func (c *Cache) EvictExpired(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, key)
			n++
		}
	}
	c.evictions += int64(n)
	return n, nil
}

// Clear implements cache.Cache. Counters are preserved.
func (c *Cache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cache.Entry)
	return nil
}

// Stats implements cache.Cache.
func (c *Cache) Stats(_ context.Context) (cache.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cache.Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}, nil
}

func (c *Cache) expired(e cache.Entry) bool {
	return c.now().Sub(e.StoredAt) >= c.ttl
}
