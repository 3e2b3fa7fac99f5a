// Package events holds the ordered push stream the reconciler consumes and
// the transports that fill it (WebSocket, MQTT, Kafka). Every accepted
// envelope gets the next sequence number; consumers read the suffix after the
// last number they processed.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

const DefaultBufferSize = 1000

// Item is one buffered envelope.
type Item struct {
	Seq      uint64
	Envelope model.Envelope
	Received time.Time
}

type StreamConfig struct {
	// Buffer bounds how many envelopes are kept for slow readers.
	Buffer int
	// Categories, when set, drops envelopes whose category is not listed.
	Categories []string
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Stream is a bounded, ordered, category-filtered envelope log.
type Stream struct {
	capacity   int
	categories map[string]bool
	metrics    *metrics.Metrics
	log        *slog.Logger

	mu        sync.Mutex
	items     []Item // oldest first
	seq       uint64
	notify    chan struct{}
	connected bool
	nextID    int
	listeners map[int]func(bool)
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var cats map[string]bool
	if len(cfg.Categories) > 0 {
		cats = make(map[string]bool, len(cfg.Categories))
		for _, c := range cfg.Categories {
			cats[c] = true
		}
	}
	return &Stream{
		capacity:   cfg.Buffer,
		categories: cats,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With("component", "events"),
		notify:     make(chan struct{}),
		listeners:  make(map[int]func(bool)),
	}
}

// Publish appends env and wakes readers. It returns the assigned sequence
// number, or false when the category filter rejected the envelope.
func (s *Stream) Publish(env model.Envelope) (uint64, bool) {
	if s.categories != nil && !s.categories[env.Category()] {
		s.metrics.Event("filtered")
		return 0, false
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.items = append(s.items, Item{Seq: seq, Envelope: env, Received: time.Now()})
	if over := len(s.items) - s.capacity; over > 0 {
		s.items = append(s.items[:0:0], s.items[over:]...)
	}
	ch := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(ch)
	return seq, true
}

// PublishRaw decodes a JSON envelope, or a JSON array of envelopes, and
// publishes each in order.
func (s *Stream) PublishRaw(payload []byte) error {
	envs, err := DecodeEnvelopes(payload)
	if err != nil {
		s.metrics.Event("malformed")
		return err
	}
	for _, env := range envs {
		s.Publish(env)
	}
	return nil
}

// DecodeEnvelopes accepts a single envelope object or an array of them.
func DecodeEnvelopes(payload []byte) ([]model.Envelope, error) {
	var head json.RawMessage
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, errs.Malformed("events", "decode", err)
	}
	if len(head) > 0 && head[0] == '[' {
		var envs []model.Envelope
		if err := json.Unmarshal(payload, &envs); err != nil {
			return nil, errs.Malformed("events", "decode", err)
		}
		return envs, nil
	}
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errs.Malformed("events", "decode", err)
	}
	if env.Type == "" && env.Data == nil {
		return nil, errs.Malformed("events", "decode", fmt.Errorf("not an event envelope"))
	}
	return []model.Envelope{env}, nil
}

// Since returns the buffered items with Seq > after, oldest first. gap is
// true when items between after and the oldest buffered one were dropped.
func (s *Stream) Since(after uint64) (items []Item, gap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].Seq > after })
	if i < len(s.items) && s.items[i].Seq > after+1 {
		gap = true
	}
	return append([]Item(nil), s.items[i:]...), gap
}

// Notify returns a channel closed on the next Publish.
func (s *Stream) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Seq is the last assigned sequence number.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected records transport connectivity; listeners run only on a
// change, outside the lock.
func (s *Stream) SetConnected(up bool) {
	s.mu.Lock()
	if s.connected == up {
		s.mu.Unlock()
		return
	}
	s.connected = up
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	s.metrics.Connected(up)
	s.log.Info("connectivity changed", "connected", up)
	for _, fn := range fns {
		fn(up)
	}
}

// OnConnectivity registers fn for connectivity changes and returns a function
// that removes it.
func (s *Stream) OnConnectivity(fn func(connected bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
