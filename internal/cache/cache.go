// Package cache is the TTL and size bounded store behind the telemetry and
// system-stats caches. Entries are ordered by when they were last written;
// once the cache is over capacity the oldest write is evicted first.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

// Entry is one cached fetch result.
type Entry[T any] struct {
	Data      T
	Raw       []model.Point
	Timestamp time.Time // when Data was written; zero means invalidated

	// Refreshing is set while a coalesced refetch is pending for this key so
	// pollers do not pile extra fetches on top of it.
	Refreshing   bool
	RefreshAfter time.Time
}

// Age is how long ago the entry was written.
func (e Entry[T]) Age(now time.Time) time.Duration {
	if e.Timestamp.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(e.Timestamp)
}

type Config struct {
	Name       string        // metrics label
	TTL        time.Duration // freshness window
	Capacity   int           // max keys
	SweepEvery time.Duration // expired-entry sweep period for Run
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

type item[T any] struct {
	key   string
	entry Entry[T]
}

// Cache maps keys to entries. Safe for concurrent use.
type Cache[T any] struct {
	cfg Config

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently written

	hits, misses, evictions uint64
}

// New builds a cache; zero fields in cfg get the engine defaults.
func New[T any](cfg Config) *Cache[T] {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 50
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[T]{
		cfg:   cfg,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Fresh returns the entry if it was written within the TTL. It counts a hit
// or a miss.
func (c *Cache[T]) Fresh(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		e := el.Value.(*item[T]).entry
		if e.Age(c.cfg.Now()) <= c.cfg.TTL {
			c.hits++
			c.cfg.Metrics.CacheHit(c.cfg.Name)
			return e, true
		}
	}
	c.misses++
	c.cfg.Metrics.CacheMiss(c.cfg.Name)
	return Entry[T]{}, false
}

// Get returns the entry regardless of age. Used to serve stale data when a
// fetch fails.
func (c *Cache[T]) Get(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry[T]{}, false
	}
	return el.Value.(*item[T]).entry, true
}

// Set writes data under key with the current time and clears any pending
// refresh flag.
func (c *Cache[T]) Set(key string, data T, raw []model.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := Entry[T]{Data: data, Raw: raw, Timestamp: c.cfg.Now()}
	if el, ok := c.items[key]; ok {
		el.Value.(*item[T]).entry = e
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&item[T]{key: key, entry: e})
	}
	for len(c.items) > c.cfg.Capacity {
		c.evictOldest("capacity")
	}
	c.cfg.Metrics.CacheSize(c.cfg.Name, len(c.items))
}

// Update mutates an existing entry in place. fn returns false to discard its
// changes. Reports whether the key existed.
func (c *Cache[T]) Update(key string, fn func(*Entry[T]) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	it := el.Value.(*item[T])
	e := it.entry
	if fn(&e) {
		it.entry = e
	}
	return true
}

// Invalidate keeps the data (stale beats missing) but makes the entry
// non-fresh so the next fetch goes to the network.
func (c *Cache[T]) Invalidate(key string) bool {
	return c.Update(key, func(e *Entry[T]) bool {
		e.Timestamp = time.Time{}
		e.Refreshing = false
		e.RefreshAfter = time.Time{}
		return true
	})
}

func (c *Cache[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	c.cfg.Metrics.CacheSize(c.cfg.Name, len(c.items))
	return true
}

// Sweep drops entries older than the TTL, except those with a refresh
// pending. Returns how many were removed.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	n := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		it := el.Value.(*item[T])
		if !it.entry.Refreshing && it.entry.Age(now) > c.cfg.TTL {
			c.order.Remove(el)
			delete(c.items, it.key)
			c.evictions++
			c.cfg.Metrics.CacheEviction(c.cfg.Name, "ttl")
			n++
		}
		el = prev
	}
	c.cfg.Metrics.CacheSize(c.cfg.Name, len(c.items))
	return n
}

// Run sweeps every SweepEvery until ctx is done.
func (c *Cache[T]) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys lists keys from newest to oldest write.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*item[T]).key)
	}
	return out
}

func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.items)}
}

// TTL returns the configured freshness window.
func (c *Cache[T]) TTL() time.Duration { return c.cfg.TTL }

func (c *Cache[T]) evictOldest(reason string) {
	el := c.order.Back()
	if el == nil {
		return
	}
	it := el.Value.(*item[T])
	c.order.Remove(el)
	delete(c.items, it.key)
	c.evictions++
	c.cfg.Metrics.CacheEviction(c.cfg.Name, reason)
}
