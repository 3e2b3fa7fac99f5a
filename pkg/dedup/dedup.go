// Package dedup remembers recently processed ids. The set is bounded: once
// it holds max ids the oldest one is dropped, and ids older than ttl are
// forgotten.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

type seenID struct {
	id  string
	exp time.Time
}

type Deduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]*list.Element
	order *list.List // front = oldest
	now   func() time.Time
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{
		ttl:   ttl,
		max:   max,
		seen:  make(map[string]*list.Element, max),
		order: list.New(),
		now:   time.Now,
	}
}

// ShouldProcess records id and reports whether it was new. Empty ids are
// always processed and never recorded.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(now)
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = d.order.PushBack(&seenID{id: id, exp: now.Add(d.ttl)})
	for d.order.Len() > d.max {
		d.drop(d.order.Front())
	}
	return true
}

// Seen reports whether id is in the set without recording it.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.seen[id]
	return ok && d.now().Before(el.Value.(*seenID).exp)
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Reset forgets every id.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]*list.Element, d.max)
	d.order.Init()
}

// expire drops ids past their ttl; insertion order is expiry order.
func (d *Deduper) expire(now time.Time) {
	for el := d.order.Front(); el != nil; el = d.order.Front() {
		if now.Before(el.Value.(*seenID).exp) {
			return
		}
		d.drop(el)
	}
}

func (d *Deduper) drop(el *list.Element) {
	d.order.Remove(el)
	delete(d.seen, el.Value.(*seenID).id)
}
