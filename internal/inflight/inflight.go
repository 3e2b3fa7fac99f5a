// Package inflight keeps one running call per key: a second caller asking for
// the same device/key while a fetch is in flight waits for that fetch instead
// of issuing a duplicate network request. The table is bounded; when full,
// the oldest call is forgotten (it still completes for its waiters, new
// callers just stop joining it).
package inflight

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
)

const DefaultCapacity = 100

type call[T any] struct {
	key  string
	done chan struct{}
	val  T
	err  error
	el   *list.Element
}

// Group deduplicates concurrent calls by key.
type Group[T any] struct {
	kind     string
	capacity int
	metrics  *metrics.Metrics

	mu    sync.Mutex
	calls map[string]*call[T]
	order *list.List // front = oldest
}

// New creates a group; kind labels the metrics.
func New[T any](kind string, capacity int, m *metrics.Metrics) *Group[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Group[T]{
		kind:     kind,
		capacity: capacity,
		metrics:  m,
		calls:    make(map[string]*call[T]),
		order:    list.New(),
	}
}

// Do runs fn once per key at a time. shared is true when the result came from
// a call another caller started. fn runs detached from ctx cancellation so one
// caller giving up does not fail the others; ctx only bounds this caller's wait.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		g.metrics.InflightJoin(g.kind)
		return g.wait(ctx, c, true)
	}
	c := &call[T]{key: key, done: make(chan struct{})}
	c.el = g.order.PushBack(c)
	g.calls[key] = c
	for len(g.calls) > g.capacity {
		g.forgetOldest()
	}
	g.mu.Unlock()

	go func() {
		c.val, c.err = fn(context.WithoutCancel(ctx))
		g.mu.Lock()
		if cur, ok := g.calls[key]; ok && cur == c {
			g.order.Remove(c.el)
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()
	return g.wait(ctx, c, false)
}

func (g *Group[T]) wait(ctx context.Context, c *call[T], shared bool) (T, bool, error) {
	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		var zero T
		return zero, shared, ctx.Err()
	}
}

// Len is the number of calls currently tracked.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Pending reports whether a call for key is running.
func (g *Group[T]) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

func (g *Group[T]) forgetOldest() {
	el := g.order.Front()
	if el == nil {
		return
	}
	c := el.Value.(*call[T])
	g.order.Remove(el)
	delete(g.calls, c.key)
}

// Bounded runs fn with a deadline of d and stops waiting once it passes,
// even if fn ignores its context. A late result is dropped; the error is then
// context.DeadlineExceeded.
func Bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
