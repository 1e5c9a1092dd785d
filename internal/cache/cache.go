// Package cache is a two-tier weather cache: a process-local memory map in
// front of a persistent table. The memory tier is authoritative until it
// expires; then the persistent tier is consulted before the caller falls
// through to a live fetch.
package cache

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ppirong/townly-sub003/internal/metrics"
)

// Persistent is the durable tier. Expired rows are returned by
// GetCacheEntry so stale values can still be served.
type Persistent interface {
	GetCacheEntry(ctx context.Context, key string) ([]byte, time.Time, bool, error)
	PutCacheEntry(ctx context.Context, key, kind string, value []byte, expiresAt time.Time) error
	DeleteCacheEntry(ctx context.Context, key string) error
	ClearCacheEntries(ctx context.Context) error
}

// Loader produces a fresh value after a miss.
type Loader func(ctx context.Context) ([]byte, error)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// memoryTier is a TTL-only map. Size-based eviction would slot in here.
type memoryTier struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func (m *memoryTier) get(key string) (entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok
}

func (m *memoryTier) set(key string, e entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
}

func (m *memoryTier) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
}

func (m *memoryTier) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *memoryTier) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

type Cache struct {
	memory     *memoryTier
	persistent Persistent
	policy     map[string]TTL
	now        func() time.Time
	group      singleflight.Group

	memoryHits       atomic.Int64
	persistentHits   atomic.Int64
	misses           atomic.Int64
	loads            atomic.Int64
	loadErrors       atomic.Int64
	persistentErrors atomic.Int64
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithPolicy overrides TTLs for the given lookup kinds ("hourly", "daily",
// "current", "location_key").
func WithPolicy(policy map[string]TTL) Option {
	return func(c *Cache) {
		for k, v := range policy {
			c.policy[k] = v
		}
	}
}

// New builds a cache. A nil persistent tier gives a memory-only cache.
func New(persistent Persistent, opts ...Option) *Cache {
	c := &Cache{
		memory:     &memoryTier{entries: make(map[string]entry)},
		persistent: persistent,
		policy:     make(map[string]TTL, len(DefaultPolicy)),
		now:        time.Now,
	}
	for k, v := range DefaultPolicy {
		c.policy[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTLFor returns the TTL policy that applies to key.
func (c *Cache) TTLFor(key Key) TTL {
	if ttl, ok := c.policy[key.label()]; ok {
		return ttl
	}
	return fallbackTTL
}

// Get returns a live value from the memory tier, else from the persistent
// tier. A persistent hit is copied into memory. Persistent failures are
// logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool) {
	v, tier := c.lookup(ctx, key)
	label := key.label()
	switch tier {
	case "memory":
		c.memoryHits.Add(1)
		metrics.CacheLookups.WithLabelValues(label, "memory", "hit").Inc()
		return v, true
	case "persistent":
		c.persistentHits.Add(1)
		metrics.CacheLookups.WithLabelValues(label, "persistent", "hit").Inc()
		return v, true
	}
	c.misses.Add(1)
	metrics.CacheLookups.WithLabelValues(label, "all", "miss").Inc()
	return nil, false
}

func (c *Cache) lookup(ctx context.Context, key Key) ([]byte, string) {
	k := key.String()
	now := c.now()

	if e, ok := c.memory.get(k); ok && now.Before(e.expiresAt) {
		return e.value, "memory"
	}

	if c.persistent == nil {
		return nil, ""
	}
	value, expiresAt, found, err := c.persistent.GetCacheEntry(ctx, k)
	if err != nil {
		c.persistentFailure("get", k, err)
		return nil, ""
	}
	if !found || !now.Before(expiresAt) {
		return nil, ""
	}

	memExpiry := now.Add(c.TTLFor(key).Memory)
	if expiresAt.Before(memExpiry) {
		memExpiry = expiresAt
	}
	c.memory.set(k, entry{value: value, expiresAt: memExpiry})
	return value, "persistent"
}

// GetStale returns the last known value for key regardless of expiry. It is
// for degraded serving when a live fetch is impossible.
func (c *Cache) GetStale(ctx context.Context, key Key) ([]byte, bool) {
	k := key.String()
	if e, ok := c.memory.get(k); ok {
		return e.value, true
	}
	if c.persistent == nil {
		return nil, false
	}
	value, _, found, err := c.persistent.GetCacheEntry(ctx, k)
	if err != nil {
		c.persistentFailure("get_stale", k, err)
		return nil, false
	}
	return value, found
}

// Set stores value in both tiers using the TTL policy for key's kind.
func (c *Cache) Set(ctx context.Context, key Key, value []byte) {
	c.SetWithTTL(ctx, key, value, c.TTLFor(key))
}

// SetWithTTL stores value with explicit tier lifetimes. A persistent write
// failure leaves the memory tier populated.
func (c *Cache) SetWithTTL(ctx context.Context, key Key, value []byte, ttl TTL) {
	k := key.String()
	now := c.now()
	c.memory.set(k, entry{value: value, expiresAt: now.Add(ttl.Memory)})

	if c.persistent == nil || ttl.Persistent <= 0 {
		return
	}
	if err := c.persistent.PutCacheEntry(ctx, k, key.label(), value, now.Add(ttl.Persistent)); err != nil {
		c.persistentFailure("put", k, err)
	}
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key Key) {
	k := key.String()
	c.memory.delete(k)
	if c.persistent == nil {
		return
	}
	if err := c.persistent.DeleteCacheEntry(ctx, k); err != nil {
		c.persistentFailure("delete", k, err)
	}
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) {
	c.memory.clear()
	if c.persistent == nil {
		return
	}
	if err := c.persistent.ClearCacheEntries(ctx); err != nil {
		c.persistentFailure("clear", "*", err)
	}
}

// Sweep drops expired entries from the memory tier and returns how many.
func (c *Cache) Sweep() int {
	return c.memory.sweep(c.now())
}

// GetOrLoad returns the cached value for key or calls loader once for all
// concurrent callers that miss on the same key. The load runs detached from
// the first caller's cancellation so one impatient caller cannot fail the
// others; each caller still stops waiting when its own ctx is done. The
// returned slice is shared and must not be modified.
func (c *Cache) GetOrLoad(ctx context.Context, key Key, loader Loader) ([]byte, error) {
	v, _, err := c.Load(ctx, key, loader)
	return v, err
}

type loadResult struct {
	value  []byte
	loaded bool
}

// Load is GetOrLoad that also reports whether the value came from a loader
// run this call waited on, its own or a concurrent caller's, rather than
// from a cache tier.
func (c *Cache) Load(ctx context.Context, key Key, loader Loader) ([]byte, bool, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, false, nil
	}

	k := key.String()
	ch := c.group.DoChan(k, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		if v, tier := c.lookup(loadCtx, key); tier != "" {
			return loadResult{value: v}, nil
		}
		c.loads.Add(1)
		v, err := loader(loadCtx)
		if err != nil {
			c.loadErrors.Add(1)
			metrics.CacheLoads.WithLabelValues(key.label(), "error").Inc()
			return nil, err
		}
		metrics.CacheLoads.WithLabelValues(key.label(), "ok").Inc()
		c.Set(loadCtx, key, v)
		return loadResult{value: v, loaded: true}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(loadResult)
		return r.value, r.loaded, nil
	}
}

func (c *Cache) persistentFailure(op, key string, err error) {
	c.persistentErrors.Add(1)
	metrics.CachePersistentErrors.WithLabelValues(op).Inc()
	log.Printf("cache: persistent %s %s: %v (serving from memory)", op, key, err)
}

type Stats struct {
	MemoryEntries    int     `json:"memoryEntries"`
	MemoryHits       int64   `json:"memoryHits"`
	PersistentHits   int64   `json:"persistentHits"`
	Misses           int64   `json:"misses"`
	Loads            int64   `json:"loads"`
	LoadErrors       int64   `json:"loadErrors"`
	PersistentErrors int64   `json:"persistentErrors"`
	HitRate          float64 `json:"hitRate"`
}

func (c *Cache) Stats() Stats {
	st := Stats{
		MemoryEntries:    c.memory.len(),
		MemoryHits:       c.memoryHits.Load(),
		PersistentHits:   c.persistentHits.Load(),
		Misses:           c.misses.Load(),
		Loads:            c.loads.Load(),
		LoadErrors:       c.loadErrors.Load(),
		PersistentErrors: c.persistentErrors.Load(),
	}
	if total := st.MemoryHits + st.PersistentHits + st.Misses; total > 0 {
		st.HitRate = float64(st.MemoryHits+st.PersistentHits) / float64(total)
	}
	return st
}
