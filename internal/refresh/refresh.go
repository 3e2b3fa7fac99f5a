// Package refresh debounces cache refetches per key. Each key moves through
//
//	Fresh -> Stale -> Scheduled(deadline) -> Refreshing -> Fresh
//
// and a burst of Schedule calls inside the window collapses into one refetch.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
)

const DefaultWindow = 2 * time.Second

type State int

const (
	Fresh State = iota
	Stale
	Scheduled
	Refreshing
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Scheduled:
		return "scheduled"
	case Refreshing:
		return "refreshing"
	}
	return "unknown"
}

// Func performs the refetch for a key.
type Func func(ctx context.Context) error

type Config struct {
	Window  time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type entry struct {
	state    State
	deadline time.Time
	timer    *time.Timer
	fn       Func
	again    bool // scheduled again while refreshing
}

// Scheduler owns one timer per key at most. Keys absent from the table are
// Fresh.
type Scheduler struct {
	window  time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	keys   map[string]*entry
	closed bool
}

func New(cfg Config) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		window:  cfg.Window,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "refresh"),
		ctx:     ctx,
		cancel:  cancel,
		keys:    make(map[string]*entry),
	}
}

// MarkStale flags a fresh key as stale. Keys already scheduled or refreshing
// keep their state.
func (s *Scheduler) MarkStale(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if e, ok := s.keys[key]; ok {
		if e.state == Fresh {
			e.state = Stale
		}
		return
	}
	s.keys[key] = &entry{state: Stale}
}

// Schedule arms the refetch for key one window from now. If one is already
// armed the call coalesces into it (fn replaces the pending one) and the
// existing deadline is returned with armed=false. A key currently refreshing
// is re-armed once that refresh ends.
func (s *Scheduler) Schedule(key string, fn Func) (deadline time.Time, armed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false
	}
	e, ok := s.keys[key]
	if !ok {
		e = &entry{}
		s.keys[key] = e
	}
	switch e.state {
	case Scheduled:
		e.fn = fn
		return e.deadline, false
	case Refreshing:
		e.fn = fn
		e.again = true
		return time.Time{}, false
	}
	s.arm(key, e, fn)
	return e.deadline, true
}

func (s *Scheduler) arm(key string, e *entry, fn Func) {
	e.state = Scheduled
	e.fn = fn
	e.deadline = time.Now().Add(s.window)
	e.timer = time.AfterFunc(s.window, func() { s.fire(key, e) })
}

func (s *Scheduler) fire(key string, e *entry) {
	s.mu.Lock()
	if s.closed || s.keys[key] != e || e.state != Scheduled {
		s.mu.Unlock()
		return
	}
	e.state = Refreshing
	e.timer = nil
	fn := e.fn
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.metrics.Refresh()
	err := fn(s.ctx)
	if err != nil {
		s.log.Warn("refresh failed", "key", key, "err", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.keys[key] != e {
		return
	}
	if e.again {
		e.again = false
		s.arm(key, e, e.fn)
		return
	}
	if err != nil {
		e.state = Stale
		return
	}
	delete(s.keys, key)
}

// Cancel drops key, stopping its timer. A refresh already running finishes
// but does not re-arm.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.keys[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.keys, key)
	}
}

// State reports the key's state and, when scheduled, its deadline.
func (s *Scheduler) State(key string) (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.keys[key]
	if !ok {
		return Fresh, time.Time{}
	}
	return e.state, e.deadline
}

// Pending counts keys scheduled or refreshing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.keys {
		if e.state == Scheduled || e.state == Refreshing {
			n++
		}
	}
	return n
}

// Close stops every timer, cancels running refreshes and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for k, e := range s.keys {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.keys, k)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
