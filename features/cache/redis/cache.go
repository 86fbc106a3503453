// Package redis implements the tool output cache on a Redis keyspace.
// Entries are stored as JSON values under a shared prefix and expire
// server side, so replay processes on different hosts resolve the same
// cache keys to the same entries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/kurral/kurral/runtime/cache"
)

type (
	// Options configures the Redis cache backend.
	Options struct {
		// Redis is the Redis connection backing the cache. Required.
		Redis *goredis.Client

		// TTL is the entry lifetime. Defaults to cache.DefaultTTL.
		TTL time.Duration

		// Prefix namespaces cache keys inside a shared keyspace.
		// Defaults to DefaultPrefix.
		Prefix string

		// OperationTimeout bounds individual Redis operations. Zero
		// leaves the caller's context in charge.
		OperationTimeout time.Duration

		// Clock overrides the time source, used by tests.
		Clock func() time.Time
	}

	// Cache stores entries as JSON values under prefixed keys with native
	// Redis expiry.
	Cache struct {
		redis   commands
		ttl     time.Duration
		prefix  string
		timeout time.Duration
		now     func() time.Time

		hits   atomic.Int64
		misses atomic.Int64
	}

	// commands is the subset of go-redis the cache issues.
	commands interface {
		Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
		Get(ctx context.Context, key string) *goredis.StringCmd
		Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
		Del(ctx context.Context, keys ...string) *goredis.IntCmd
		Ping(ctx context.Context) *goredis.StatusCmd
	}
)

const (
	// DefaultPrefix namespaces cache keys when Options.Prefix is empty.
	DefaultPrefix = "kurral:cache:"

	// scanBatch is the COUNT hint passed to SCAN.
	scanBatch = 512

	// delBatch bounds the keys removed per DEL while clearing.
	delBatch = 512

	clientName = "tool-cache-redis"
)

// New constructs a Redis-backed cache. The Redis field in opts is required;
// other fields are optional.
func New(opts Options) (*Cache, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		redis:   opts.Redis,
		ttl:     opts.TTL,
		prefix:  opts.Prefix,
		timeout: opts.OperationTimeout,
		now:     opts.Clock,
	}, nil
}

var (
	_ cache.Cache   = (*Cache)(nil)
	_ health.Pinger = (*Cache)(nil)
)

// Put implements cache.Cache. The TTL rides on the Redis key itself.
func (c *Cache) Put(ctx context.Context, key string, e cache.Entry) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	e.StoredAt = c.now()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.redis.Set(ctx, c.prefix+key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get implements cache.Cache. Expired keys vanish server side and count as
// misses.
func (c *Cache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	payload, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		c.misses.Add(1)
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e cache.Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	c.hits.Add(1)
	return e, true, nil
}

// Evict implements cache.Cache. DEL on an absent key is a no-op.
func (c *Cache) Evict(ctx context.Context, key string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.redis.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// EvictExpired implements cache.Cache. Redis expires entries natively so
// there is nothing to sweep.
func (c *Cache) EvictExpired(context.Context) (int, error) {
	return 0, nil
}

// Clear implements cache.Cache, deleting every key under the prefix.
// Foreign keys in a shared keyspace are left alone.
func (c *Cache) Clear(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	keys, err := c.scanKeys(ctx)
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		n := len(keys)
		if n > delBatch {
			n = delBatch
		}
		if err := c.redis.Del(ctx, keys[:n]...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		keys = keys[n:]
	}
	return nil
}

// Stats implements cache.Cache. Entries counts live keys under the prefix;
// hit and miss counters are local to this client. Evictions stay zero
// because expiry happens server side.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	keys, err := c.scanKeys(ctx)
	if err != nil {
		return cache.Stats{}, err
	}
	return cache.Stats{
		Entries: len(keys),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Name implements health.Pinger.
func (c *Cache) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

// scanKeys pages through SCAN until the cursor wraps to zero.
func (c *Cache) scanKeys(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, c.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
