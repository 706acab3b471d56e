// Package cachestore implements the typed read cache of the sync layer:
// per-type TTLs, a global byte budget enforced by oldest-first eviction, and
// stale reads for offline fallback. Entries live in a kvstore.Store under a
// versioned namespace; bumping the version orphans all prior entries.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getlockinnn/proven-sync/pkg/kvstore"
)

// namespace versions the on-disk layout. v2 switched entry payloads to raw
// JSON; v1 keys are ignored and swept out by ClearAll.
const (
	namespace = "proven_cache.v2:"
	metaKey   = namespace + "__meta__"
)

const (
	// DefaultBudget is the global byte budget for cached payloads.
	DefaultBudget = 10 << 20
	// evictTarget is the fraction of the budget eviction shrinks to.
	evictTarget = 0.7
)

var nopLogger = zap.NewNop()

// TypeConfig configures one semantic cache type.
type TypeConfig struct {
	// TTL is how long entries of this type are considered fresh.
	TTL time.Duration `yaml:"ttl"`

	// MaxItemsHint sizes the in-memory hot index. The durable bound is
	// the byte budget, not this.
	MaxItemsHint int `yaml:"max_items_hint"`
}

type Opts struct {
	// Store cannot be nil.
	Store kvstore.Store

	// Types maps semantic type names to their config. Unknown types fall
	// back to DefaultTTL.
	Types map[string]TypeConfig

	// DefaultTTL applies to types missing from Types. Default 5m.
	DefaultTTL time.Duration

	// Budget is the global byte budget. Default DefaultBudget.
	Budget int64

	// Logger is optional.
	Logger *zap.Logger

	// TimeNow is the clock. Defaults to time.Now. Tests override it.
	TimeNow func() time.Time
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Minute * 5
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	return nil
}

// entry is the persisted form of one cached value.
type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix milli, write time
	ExpiresAt int64           `json:"expiresAt"` // unix milli
}

type entryMeta struct {
	Timestamp int64 `json:"timestamp"`
	Size      int64 `json:"size"`
}

// metadata tracks every entry's size and write time so eviction never has
// to read entry bodies. TotalSize always equals the sum of Entries sizes.
type metadata struct {
	Entries   map[string]entryMeta `json:"entries"`
	TotalSize int64                `json:"totalSize"`
}

// StaleInfo describes a GetStale hit.
type StaleInfo struct {
	IsStale  bool
	CachedAt time.Time
}

// Stats is a point-in-time snapshot of cache accounting.
type Stats struct {
	EntryCount int
	TotalSize  int64
	Budget     int64
}

type CacheStore struct {
	opts Opts

	// mu serializes every metadata read-modify-write. The store itself
	// has no transactions, so the latest persisted metadata is re-read
	// under this lock immediately before each write.
	mu  sync.Mutex
	hot *hotIndex

	m *Metrics
}

func NewCacheStore(opts Opts) (*CacheStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	hint := 0
	for _, tc := range opts.Types {
		hint += tc.MaxItemsHint
	}
	return &CacheStore{
		opts: opts,
		hot:  newHotIndex(hint),
	}, nil
}

// WithMetrics attaches prometheus metrics. Must be called before use.
func (c *CacheStore) WithMetrics(m *Metrics) *CacheStore {
	c.m = m
	return c
}

// SetTypes replaces the per-type config table. Existing entries keep the
// expiry they were written with; only future writes see the new TTLs.
func (c *CacheStore) SetTypes(types map[string]TypeConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Types = types
}

func (c *CacheStore) ttl(typ string) time.Duration {
	if tc, ok := c.opts.Types[typ]; ok && tc.TTL > 0 {
		return tc.TTL
	}
	return c.opts.DefaultTTL
}

// Key returns the store key for (type, optional id).
func Key(typ string, id ...string) string {
	if len(id) > 0 && len(id[0]) > 0 {
		return namespace + typ + ":" + id[0]
	}
	return namespace + typ
}

// Save serializes data and persists it under (type, id), then updates the
// size accounting and evicts oldest entries if the budget is exceeded. The
// just-written entry is never evicted by its own write.
func (c *CacheStore) Save(ctx context.Context, typ string, data any, id ...string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s, %w", typ, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.TimeNow()
	e := entry{
		Data:      raw,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(c.ttl(typ)).UnixMilli(),
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry, %w", err)
	}

	key := Key(typ, id...)
	if err := c.opts.Store.Set(ctx, key, string(value)); err != nil {
		return fmt.Errorf("failed to persist %s, %w", key, err)
	}
	c.hot.add(key, string(value))

	meta := c.loadMeta(ctx)
	if prev, ok := meta.Entries[key]; ok {
		meta.TotalSize -= prev.Size
	}
	size := int64(len(value))
	meta.Entries[key] = entryMeta{Timestamp: e.Timestamp, Size: size}
	meta.TotalSize += size

	if meta.TotalSize > c.opts.Budget {
		c.evict(ctx, meta, key)
	}
	c.storeMeta(ctx, meta)
	return nil
}

// GetFresh decodes the entry for (type, id) into dst if it exists and its
// TTL has not elapsed. Expired entries are left in place for GetStale.
// Store and decode failures are treated as misses.
func (c *CacheStore) GetFresh(ctx context.Context, typ string, dst any, id ...string) bool {
	key := Key(typ, id...)
	e, ok := c.loadEntry(ctx, key)
	if !ok {
		c.m.miss(typ)
		return false
	}
	if c.opts.TimeNow().UnixMilli() >= e.ExpiresAt {
		c.m.miss(typ)
		return false
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		c.opts.Logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.m.miss(typ)
		return false
	}
	c.m.hit(typ)
	return true
}

// GetStale decodes the entry for (type, id) into dst regardless of expiry.
// The second return value is false if the entry is absent or corrupt.
func (c *CacheStore) GetStale(ctx context.Context, typ string, dst any, id ...string) (StaleInfo, bool) {
	key := Key(typ, id...)
	e, ok := c.loadEntry(ctx, key)
	if !ok {
		return StaleInfo{}, false
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		c.opts.Logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return StaleInfo{}, false
	}
	info := StaleInfo{
		IsStale:  c.opts.TimeNow().UnixMilli() >= e.ExpiresAt,
		CachedAt: time.UnixMilli(e.Timestamp),
	}
	if info.IsStale {
		c.m.stale(typ)
	}
	return info, true
}

// Invalidate removes the entry for (type, id) and its metadata contribution.
func (c *CacheStore) Invalidate(ctx context.Context, typ string, id ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeKeys(ctx, []string{Key(typ, id...)})
}

// InvalidateType removes every entry of the given type.
func (c *CacheStore) InvalidateType(ctx context.Context, typ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := c.loadMeta(ctx)
	prefix := namespace + typ
	var keys []string
	for key := range meta.Entries {
		if key == prefix || (len(key) > len(prefix) && key[:len(prefix)+1] == prefix+":") {
			keys = append(keys, key)
		}
	}
	return c.removeKeys(ctx, keys)
}

// ClearAll wipes the whole cache namespace, including orphaned entries from
// older layout versions. Used on sign-out.
func (c *CacheStore) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.opts.Store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list store keys, %w", err)
	}
	var doomed []string
	for _, k := range keys {
		if len(k) >= len("proven_cache.") && k[:len("proven_cache.")] == "proven_cache." {
			doomed = append(doomed, k)
		}
	}
	c.hot.clear()
	if err := c.opts.Store.RemoveMany(ctx, doomed); err != nil {
		return fmt.Errorf("failed to clear cache, %w", err)
	}
	return nil
}

// Stats reports current accounting from persisted metadata.
func (c *CacheStore) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := c.loadMeta(ctx)
	return Stats{
		EntryCount: len(meta.Entries),
		TotalSize:  meta.TotalSize,
		Budget:     c.opts.Budget,
	}
}

func (c *CacheStore) loadEntry(ctx context.Context, key string) (*entry, bool) {
	var raw string
	if v, ok := func() (string, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.hot.get(key)
	}(); ok {
		raw = v
	} else {
		v, err := c.opts.Store.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, kvstore.ErrNotFound) {
				c.opts.Logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
			}
			return nil, false
		}
		raw = v
		c.mu.Lock()
		c.hot.add(key, raw)
		c.mu.Unlock()
	}

	e := new(entry)
	if err := json.Unmarshal([]byte(raw), e); err != nil {
		c.opts.Logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return e, true
}

// loadMeta must be called with c.mu held.
func (c *CacheStore) loadMeta(ctx context.Context) *metadata {
	meta := &metadata{Entries: make(map[string]entryMeta)}
	raw, err := c.opts.Store.Get(ctx, metaKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.opts.Logger.Warn("cache metadata read failed", zap.Error(err))
		}
		return meta
	}
	if err := json.Unmarshal([]byte(raw), meta); err != nil {
		c.opts.Logger.Warn("corrupt cache metadata, resetting", zap.Error(err))
		return &metadata{Entries: make(map[string]entryMeta)}
	}
	if meta.Entries == nil {
		meta.Entries = make(map[string]entryMeta)
	}
	return meta
}

// storeMeta must be called with c.mu held.
func (c *CacheStore) storeMeta(ctx context.Context, meta *metadata) {
	raw, err := json.Marshal(meta)
	if err != nil {
		c.opts.Logger.Warn("failed to marshal cache metadata", zap.Error(err))
		return
	}
	if err := c.opts.Store.Set(ctx, metaKey, string(raw)); err != nil {
		c.opts.Logger.Warn("failed to persist cache metadata", zap.Error(err))
	}
}

// evict removes oldest-timestamped entries until TotalSize fits under
// evictTarget*Budget, skipping justWritten. Must be called with c.mu held.
func (c *CacheStore) evict(ctx context.Context, meta *metadata, justWritten string) {
	type cand struct {
		key string
		em  entryMeta
	}
	cands := make([]cand, 0, len(meta.Entries))
	for key, em := range meta.Entries {
		if key == justWritten {
			continue
		}
		cands = append(cands, cand{key: key, em: em})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].em.Timestamp < cands[j].em.Timestamp })

	target := int64(float64(c.opts.Budget) * evictTarget)
	var doomed []string
	for _, cd := range cands {
		if meta.TotalSize <= target {
			break
		}
		meta.TotalSize -= cd.em.Size
		delete(meta.Entries, cd.key)
		c.hot.del(cd.key)
		doomed = append(doomed, cd.key)
	}
	if len(doomed) == 0 {
		return
	}
	if err := c.opts.Store.RemoveMany(ctx, doomed); err != nil {
		c.opts.Logger.Warn("cache eviction delete failed", zap.Error(err))
	}
	c.m.evicted(len(doomed))
	c.opts.Logger.Debug("evicted cache entries",
		zap.Int("count", len(doomed)), zap.Int64("total_size", meta.TotalSize))
}

// removeKeys must be called with c.mu held.
func (c *CacheStore) removeKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	meta := c.loadMeta(ctx)
	changed := false
	for _, key := range keys {
		c.hot.del(key)
		if em, ok := meta.Entries[key]; ok {
			meta.TotalSize -= em.Size
			delete(meta.Entries, key)
			changed = true
		}
	}
	if changed {
		c.storeMeta(ctx, meta)
	}
	if err := c.opts.Store.RemoveMany(ctx, keys); err != nil {
		return fmt.Errorf("failed to remove cache entries, %w", err)
	}
	return nil
}
