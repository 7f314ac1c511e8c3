package cache

import (
	"container/list"
	"context"
	"maps"
	"sync"
	"time"

	"github.com/kiranshivaraju/probehub/internal/config"
	"golang.org/x/sync/singleflight"
)

// Resource is an immutable snapshot served through the resource front door.
type Resource struct {
	Payload     []byte            `json:"payload"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Loader produces the resource for a key on a cache miss.
type Loader func(ctx context.Context) (Resource, error)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

type resourceEntry struct {
	key      string
	res      Resource
	loadedAt time.Time
}

// ResourceCache is an in-process read-through cache with per-key single-flight loading,
// lazy TTL expiry and an optional LRU bound. Loader errors are never cached.
type ResourceCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	stats   Stats
}

// ResourceOption configures a ResourceCache.
type ResourceOption func(*ResourceCache)

// WithClock replaces the clock used for TTL checks.
func WithClock(now func() time.Time) ResourceOption {
	return func(c *ResourceCache) { c.now = now }
}

// NewResourceCache creates a ResourceCache. A TTL of zero disables expiry and MaxEntries of
// zero leaves the cache unbounded.
func NewResourceCache(cfg config.CacheConfig, opts ...ResourceOption) *ResourceCache {
	c := &ResourceCache{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached resource for key, loading it through load on a miss. Concurrent
// misses for the same key share one loader call. The bool reports a cache hit.
func (c *ResourceCache) Get(ctx context.Context, key string, load Loader) (Resource, bool, error) {
	if res, ok := c.lookup(key, true); ok {
		return res, true, nil
	}

	// The load outlives any single waiter; each waiter still honors its own ctx.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if res, ok := c.lookup(key, false); ok {
			return res, nil
		}
		res, err := load(loadCtx)
		if err != nil {
			return Resource{}, err
		}
		c.store(key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return Resource{}, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Resource{}, false, r.Err
		}
		return cloneResource(r.Val.(Resource)), false, nil
	}
}

// Invalidate drops key from the cache.
func (c *ResourceCache) Invalidate(key string) {
	c.group.Forget(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.lru.Remove(el)
		delete(c.entries, key)
	}
}

// Clear drops every entry. Counters are kept.
func (c *ResourceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns the current counters.
func (c *ResourceCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

// lookup returns a live entry, expiring it lazily. count controls whether the lookup is
// reflected in the hit/miss counters.
func (c *ResourceCache) lookup(key string, count bool) (Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if ok {
		e := el.Value.(*resourceEntry)
		if c.ttl > 0 && c.now().Sub(e.loadedAt) >= c.ttl {
			c.lru.Remove(el)
			delete(c.entries, key)
			ok = false
		} else {
			c.lru.MoveToFront(el)
			if count {
				c.stats.Hits++
			}
			return cloneResource(e.res), true
		}
	}
	if count {
		c.stats.Misses++
	}
	return Resource{}, false
}

func (c *ResourceCache) store(key string, res Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &resourceEntry{key: key, res: cloneResource(res), loadedAt: c.now()}
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(entry)

	for c.maxEntries > 0 && c.lru.Len() > c.maxEntries {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*resourceEntry).key)
		c.stats.Evictions++
	}
}

func cloneResource(r Resource) Resource {
	out := r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	out.Metadata = maps.Clone(r.Metadata)
	return out
}
