package redis

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurral/kurral/runtime/cache"
)

func newTestCache(f *fakeRedis) *Cache {
	return &Cache{
		redis:  f,
		ttl:    time.Hour,
		prefix: DefaultPrefix,
		now:    func() time.Time { return f.clock },
	}
}

func TestNewRequiresRedis(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)

	c, err := New(Options{Redis: goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})})
	require.NoError(t, err)
	assert.Equal(t, cache.DefaultTTL, c.ttl)
	assert.Equal(t, DefaultPrefix, c.prefix)
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFakeRedis()
	c := newTestCache(f)
	ctx := context.Background()

	err := c.Put(ctx, "key-1", cache.Entry{
		ToolName: "lookup_invoice",
		Output:   map[string]any{"total": 41.5},
		Summary:  "invoice total",
	})
	require.NoError(t, err)
	require.Contains(t, f.values, DefaultPrefix+"key-1")

	e, ok, err := c.Get(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lookup_invoice", e.ToolName)
	assert.Equal(t, map[string]any{"total": 41.5}, e.Output)
	assert.Equal(t, "invoice total", e.Summary)
	assert.True(t, e.StoredAt.Equal(f.clock))
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	c := newTestCache(newFakeRedis())
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(0), st.Hits)
}

func TestNativeExpiry(t *testing.T) {
	t.Parallel()

	f := newFakeRedis()
	c := newTestCache(f)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "key-1", cache.Entry{ToolName: "t"}))
	f.clock = f.clock.Add(2 * time.Hour)

	_, ok, err := c.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries)

	n, err := c.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEvictDeletesPrefixedKey(t *testing.T) {
	t.Parallel()

	f := newFakeRedis()
	c := newTestCache(f)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "key-1", cache.Entry{ToolName: "t"}))
	require.NoError(t, c.Evict(ctx, "key-1"))
	require.NoError(t, c.Evict(ctx, "absent"))

	assert.NotContains(t, f.values, DefaultPrefix+"key-1")

	_, ok, err := c.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearLeavesForeignKeys(t *testing.T) {
	t.Parallel()

	f := newFakeRedis()
	f.values["session:abc"] = fakeValue{payload: []byte("x"), expiresAt: f.clock.Add(time.Hour)}
	c := newTestCache(f)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "key-1", cache.Entry{ToolName: "a"}))
	require.NoError(t, c.Put(ctx, "key-2", cache.Entry{ToolName: "b"}))
	require.NoError(t, c.Clear(ctx))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries)
	assert.Contains(t, f.values, "session:abc")
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	c := newTestCache(newFakeRedis())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "key-1", cache.Entry{ToolName: "t"}))
	for i := 0; i < 3; i++ {
		_, ok, err := c.Get(ctx, "key-1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, _, err := c.Get(ctx, "absent")
	require.NoError(t, err)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(3), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(0), st.Evictions)
}

// TestCallHelpersUseDerivedKeys verifies the backend through the key
// derivation the capture and replay layers share.
func TestCallHelpersUseDerivedKeys(t *testing.T) {
	t.Parallel()

	c := newTestCache(newFakeRedis())
	ctx := context.Background()

	key, err := cache.PutCall(ctx, c, "get_weather", map[string]any{"city": "Paris"},
		map[string]any{"temp": 22.5}, "")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	e, ok, err := cache.GetCall(ctx, c, "get_weather", map[string]any{"city": "Paris"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"temp": 22.5}, e.Output)
}

func TestPingDelegates(t *testing.T) {
	t.Parallel()

	f := newFakeRedis()
	c := newTestCache(f)

	assert.Equal(t, "tool-cache-redis", c.Name())
	require.NoError(t, c.Ping(context.Background()))

	f.pingErr = assert.AnError
	require.Error(t, c.Ping(context.Background()))
}

type (
	fakeRedis struct {
		values  map[string]fakeValue
		clock   time.Time
		pingErr error
	}

	fakeValue struct {
		payload   []byte
		expiresAt time.Time
	}
)

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values: make(map[string]fakeValue),
		clock:  time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	payload, _ := value.([]byte)
	f.values[key] = fakeValue{payload: payload, expiresAt: f.clock.Add(expiration)}
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *goredis.StringCmd {
	v, ok := f.values[key]
	if !ok || !f.clock.Before(v.expiresAt) {
		delete(f.values, key)
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(string(v.payload), nil)
}

func (f *fakeRedis) Scan(_ context.Context, _ uint64, match string, _ int64) *goredis.ScanCmd {
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k, v := range f.values {
		if strings.HasPrefix(k, prefix) && f.clock.Before(v.expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return goredis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(context.Context) *goredis.StatusCmd {
	return goredis.NewStatusResult("PONG", f.pingErr)
}
