package cachestore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlockinnn/proven-sync/pkg/kvstore/mem_store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(t *testing.T, opts Opts) (*CacheStore, *mem_store.MemStore, *fakeClock) {
	t.Helper()
	store := mem_store.NewMemStore()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	opts.Store = store
	opts.TimeNow = clock.Now
	c, err := NewCacheStore(opts)
	require.NoError(t, err)
	return c, store, clock
}

func TestSaveAndGetFresh(t *testing.T) {
	c, _, _ := newTestCache(t, Opts{
		Types: map[string]TypeConfig{"challenges": {TTL: time.Minute * 5}},
	})
	ctx := context.Background()

	in := map[string]string{"name": "cold showers"}
	require.NoError(t, c.Save(ctx, "challenges", in, "ch1"))

	var out map[string]string
	require.True(t, c.GetFresh(ctx, "challenges", &out, "ch1"))
	require.Equal(t, in, out)

	// Unknown id is a miss.
	require.False(t, c.GetFresh(ctx, "challenges", &out, "nope"))
}

func TestTTLBoundary(t *testing.T) {
	ttl := time.Minute * 5
	c, _, clock := newTestCache(t, Opts{
		Types: map[string]TypeConfig{"feed": {TTL: ttl}},
	})
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "feed", "hello"))

	var out string
	clock.Advance(ttl - time.Millisecond)
	require.True(t, c.GetFresh(ctx, "feed", &out))

	// Exactly at expiry the entry is no longer fresh but is still
	// served stale.
	clock.Advance(time.Millisecond)
	require.False(t, c.GetFresh(ctx, "feed", &out))

	out = ""
	info, ok := c.GetStale(ctx, "feed", &out)
	require.True(t, ok)
	require.True(t, info.IsStale)
	require.Equal(t, "hello", out)
	require.Equal(t, time.UnixMilli(1_700_000_000_000), info.CachedAt)
}

func TestGetStaleBeforeExpiry(t *testing.T) {
	c, _, _ := newTestCache(t, Opts{})
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "profile", 42, "u1"))

	var out int
	info, ok := c.GetStale(ctx, "profile", &out)
	// GetStale with a different id misses.
	require.False(t, ok)

	info, ok = c.GetStale(ctx, "profile", &out, "u1")
	require.True(t, ok)
	require.False(t, info.IsStale)
	require.Equal(t, 42, out)
}

func TestDoubleSaveDoesNotDoubleCount(t *testing.T) {
	c, _, _ := newTestCache(t, Opts{})
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "challenges", "payload", "ch1"))
	s1 := c.Stats(ctx)

	require.NoError(t, c.Save(ctx, "challenges", "payload", "ch1"))
	s2 := c.Stats(ctx)

	require.Equal(t, s1.TotalSize, s2.TotalSize)
	require.Equal(t, 1, s1.EntryCount)
	require.Equal(t, 1, s2.EntryCount)
}

func TestEvictionOldestFirst(t *testing.T) {
	c, _, clock := newTestCache(t, Opts{Budget: 1500})
	ctx := context.Background()

	payload := strings.Repeat("x", 300)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Save(ctx, "feed", payload, id))
		clock.Advance(time.Second)
	}
	// The next write pushes accounting over budget and must evict the
	// oldest entries, never the one just written.
	require.NoError(t, c.Save(ctx, "feed", payload, "e"))

	var out string
	require.True(t, c.GetFresh(ctx, "feed", &out, "e"))

	_, ok := c.GetStale(ctx, "feed", &out, "a")
	require.False(t, ok, "oldest entry should have been evicted")

	s := c.Stats(ctx)
	require.LessOrEqual(t, s.TotalSize, int64(float64(1500)*evictTarget))
}

func TestInvalidateType(t *testing.T) {
	c, _, _ := newTestCache(t, Opts{})
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "challenges", "a", "ch1"))
	require.NoError(t, c.Save(ctx, "challenges", "b", "ch2"))
	require.NoError(t, c.Save(ctx, "profile", "me"))

	require.NoError(t, c.InvalidateType(ctx, "challenges"))

	var out string
	_, ok := c.GetStale(ctx, "challenges", &out, "ch1")
	require.False(t, ok)
	_, ok = c.GetStale(ctx, "challenges", &out, "ch2")
	require.False(t, ok)
	require.True(t, c.GetFresh(ctx, "profile", &out))

	s := c.Stats(ctx)
	require.Equal(t, 1, s.EntryCount)
}

func TestInvalidateTypePrefixIsExact(t *testing.T) {
	c, _, _ := newTestCache(t, Opts{})
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "challenge", "single", "ch1"))
	require.NoError(t, c.Save(ctx, "challenges", "list"))

	require.NoError(t, c.InvalidateType(ctx, "challenge"))

	var out string
	_, ok := c.GetStale(ctx, "challenge", &out, "ch1")
	require.False(t, ok)
	// "challenges" is a different type, not a sub-key of "challenge".
	require.True(t, c.GetFresh(ctx, "challenges", &out))
}

func TestClearAllSweepsOldVersions(t *testing.T) {
	c, store, _ := newTestCache(t, Opts{})
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "feed", "data"))
	// An orphan from a previous layout version.
	require.NoError(t, store.Set(ctx, "proven_cache.v1:feed", "old"))
	// Unrelated state must survive.
	require.NoError(t, store.Set(ctx, "proven_mutation_queue.v1", "[]"))

	require.NoError(t, c.ClearAll(ctx))

	_, err := store.Get(ctx, "proven_cache.v1:feed")
	require.Error(t, err)
	var out string
	_, ok := c.GetStale(ctx, "feed", &out)
	require.False(t, ok)

	_, err = store.Get(ctx, "proven_mutation_queue.v1")
	require.NoError(t, err)
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c, store, _ := newTestCache(t, Opts{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, Key("feed"), "{not json"))

	var out string
	require.False(t, c.GetFresh(ctx, "feed", &out))
	_, ok := c.GetStale(ctx, "feed", &out)
	require.False(t, ok)
}

func TestSetTypesAppliesToFutureWrites(t *testing.T) {
	c, _, clock := newTestCache(t, Opts{
		Types: map[string]TypeConfig{"feed": {TTL: time.Minute}},
	})
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "feed", "old"))
	c.SetTypes(map[string]TypeConfig{"feed": {TTL: time.Hour}})
	require.NoError(t, c.Save(ctx, "feed", "new", "later"))

	clock.Advance(time.Minute * 2)
	var out string
	require.False(t, c.GetFresh(ctx, "feed", &out))
	require.True(t, c.GetFresh(ctx, "feed", &out, "later"))
}
