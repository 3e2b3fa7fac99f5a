// Package engine owns the live state behind a dashboard: the device store,
// the telemetry and system-stats caches, the event stream with its
// reconciler, and the widget bindings fed from all of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/dashfeed/internal/binding"
	"github.com/LeonardoBeccarini/dashfeed/internal/cache"
	"github.com/LeonardoBeccarini/dashfeed/internal/command"
	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
	"github.com/LeonardoBeccarini/dashfeed/internal/events"
	"github.com/LeonardoBeccarini/dashfeed/internal/inflight"
	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/reconciler"
	"github.com/LeonardoBeccarini/dashfeed/internal/refresh"
	"github.com/LeonardoBeccarini/dashfeed/internal/resolver"
	"github.com/LeonardoBeccarini/dashfeed/internal/store"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
	"github.com/LeonardoBeccarini/dashfeed/internal/value"
)

const (
	DefaultPollInterval = 30 * time.Second
	fanOut              = 8
)

var (
	ErrNotStarted = errors.New("engine not started")
	ErrUnknownID  = errors.New("unknown widget")
)

// DeviceLoader fetches a device's current record.
type DeviceLoader interface {
	DeviceCurrent(ctx context.Context, id string) (model.DeviceRecord, error)
}

type Config struct {
	Devices   DeviceLoader
	Telemetry telemetry.Backend
	Stats     telemetry.StatsBackend
	Commands  command.Transport
	// Source feeds the event stream; nil leaves the stream to the caller.
	Source events.Source

	Categories   []string
	StreamBuffer int

	CacheTTL          time.Duration
	TelemetryCapacity int
	SweepEvery        time.Duration
	FetchTimeout      time.Duration
	InflightCapacity  int
	RefreshWindow     time.Duration
	PollInterval      time.Duration
	ProcessedCap      int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type bound struct {
	b      *binding.Binding
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type Engine struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	store      *store.Store
	stream     *events.Stream
	telemetry  *telemetry.Fetcher
	system     *telemetry.SystemFetcher
	scheduler  *refresh.Scheduler
	reconciler *reconciler.Reconciler
	commands   *command.Dispatcher
	devices    *inflight.Group[model.DeviceRecord]

	mu       sync.Mutex
	bindings map[string]*bound
	seq      uint64
	prev     store.State
	disposed bool
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	unsub    func()
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "engine"),
		metrics:  cfg.Metrics,
		store:    store.New(),
		bindings: make(map[string]*bound),
	}
	e.stream = events.NewStream(events.StreamConfig{
		Buffer:     cfg.StreamBuffer,
		Categories: cfg.Categories,
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
	})
	e.telemetry = telemetry.NewFetcher(telemetry.Config{
		Backend: cfg.Telemetry,
		Cache: cache.New[[]float64](cache.Config{
			Name:       "telemetry",
			TTL:        cfg.CacheTTL,
			Capacity:   cfg.TelemetryCapacity,
			SweepEvery: cfg.SweepEvery,
			Metrics:    cfg.Metrics,
			Now:        cfg.Now,
		}),
		Timeout:  cfg.FetchTimeout,
		Inflight: cfg.InflightCapacity,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
		Now:      cfg.Now,
	})
	e.system = telemetry.NewSystemFetcher(telemetry.SystemConfig{
		Backend: cfg.Stats,
		Timeout: cfg.FetchTimeout,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
		Now:     cfg.Now,
	})
	e.scheduler = refresh.New(refresh.Config{Window: cfg.RefreshWindow, Metrics: cfg.Metrics, Logger: cfg.Logger})
	e.reconciler = reconciler.New(reconciler.Config{
		Stream:       e.stream,
		Store:        e.store,
		Telemetry:    e.telemetry,
		Scheduler:    e.scheduler,
		Bindings:     e.Bindings,
		Revalidate:   e.Revalidate,
		ProcessedCap: cfg.ProcessedCap,
		Metrics:      cfg.Metrics,
		Logger:       cfg.Logger,
		Now:          cfg.Now,
	})
	e.commands = command.NewDispatcher(command.Config{
		Transport: cfg.Commands,
		Timeout:   cfg.FetchTimeout,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
	})
	e.devices = inflight.New[model.DeviceRecord]("device", cfg.InflightCapacity, cfg.Metrics)
	return e
}

func (e *Engine) Store() *store.Store              { return e.store }
func (e *Engine) Stream() *events.Stream           { return e.stream }
func (e *Engine) Telemetry() *telemetry.Fetcher    { return e.telemetry }
func (e *Engine) System() *telemetry.SystemFetcher { return e.system }

// Init starts the background work: event source, reconciler, cache sweeps
// and the store watcher.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil || e.disposed {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, _ = errgroup.WithContext(e.ctx)
	e.prev = e.store.State()
	unsubStore := e.store.Subscribe(e.storeChanged)
	unwatch := e.reconciler.Watch(e.ctx)
	e.unsub = func() {
		unwatch()
		unsubStore()
	}

	run := e.ctx
	e.group.Go(func() error {
		e.reconciler.Start(run)
		return nil
	})
	e.group.Go(func() error {
		e.telemetry.Cache().Run(run)
		return nil
	})
	e.group.Go(func() error {
		e.system.Cache().Run(run)
		return nil
	})
	if e.cfg.Source != nil {
		e.group.Go(func() error {
			err := e.cfg.Source.Run(run, e.stream)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("event source stopped", "err", err)
				return err
			}
			return nil
		})
	}
	e.log.Info("engine started")
	return nil
}

// Dispose stops every binding loop, timer and background goroutine.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	if e.ctx == nil || e.disposed {
		e.mu.Unlock()
		return nil
	}
	all := make([]*bound, 0, len(e.bindings))
	for id, bd := range e.bindings {
		all = append(all, bd)
		delete(e.bindings, id)
	}
	cancel, group, unsub := e.cancel, e.group, e.unsub
	e.disposed = true
	e.mu.Unlock()

	for _, bd := range all {
		bd.stop()
	}
	cancel()
	err := group.Wait()
	unsub()
	e.scheduler.Close()
	e.reconciler.Close()
	e.commands.Wait()
	e.log.Info("engine stopped")
	return err
}

func (e *Engine) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx != nil && !e.disposed
}

func (bd *bound) stop() {
	if bd.cancel != nil {
		bd.cancel()
		<-bd.done
	}
}

// Bind registers a widget, replacing any binding with the same id, loads the
// devices it reads and runs its first resolution. Widgets with telemetry or
// system sources get a poll loop that fetches immediately.
func (e *Engine) Bind(ctx context.Context, desc model.Descriptor) (*binding.Binding, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if !e.running() {
		return nil, ErrNotStarted
	}
	b := binding.New(desc)
	if err := e.loadDevices(ctx, b.Devices()); err != nil {
		b.SetError(err)
	}

	e.mu.Lock()
	if e.ctx == nil || e.disposed {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	old := e.bindings[desc.ID]
	e.seq++
	bd := &bound{b: b, seq: e.seq}
	if interval, ok := e.pollInterval(desc); ok {
		var loopCtx context.Context
		loopCtx, bd.cancel = context.WithCancel(e.ctx)
		bd.done = make(chan struct{})
		go e.poll(loopCtx, bd, interval)
	}
	e.bindings[desc.ID] = bd
	e.mu.Unlock()

	if old != nil {
		old.stop()
	}
	e.Resolve(b)
	return b, nil
}

// Unbind stops a widget's poll loop and forgets it.
func (e *Engine) Unbind(id string) bool {
	e.mu.Lock()
	bd, ok := e.bindings[id]
	delete(e.bindings, id)
	e.mu.Unlock()
	if !ok {
		return false
	}
	bd.stop()
	return true
}

// Bindings returns the bound widgets in bind order.
func (e *Engine) Bindings() []*binding.Binding {
	e.mu.Lock()
	all := make([]*bound, 0, len(e.bindings))
	for _, bd := range e.bindings {
		all = append(all, bd)
	}
	e.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]*binding.Binding, len(all))
	for i, bd := range all {
		out[i] = bd.b
	}
	return out
}

func (e *Engine) Binding(id string) (*binding.Binding, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bd, ok := e.bindings[id]
	if !ok {
		return nil, false
	}
	return bd.b, true
}

// Resolve runs the synchronous pass for b against the current store. A
// widget made only of telemetry and system sources is left to its poll loop.
func (e *Engine) Resolve(b *binding.Binding) {
	desc := b.Descriptor()
	if desc.AllAsync() {
		return
	}
	b.Apply(resolver.Resolve(desc.Sources, e.store.State()))
}

// pollInterval is the shortest refresh among b's async sources.
func (e *Engine) pollInterval(desc model.Descriptor) (time.Duration, bool) {
	var interval time.Duration
	for _, src := range desc.Sources {
		if !src.IsAsync() {
			continue
		}
		d := src.RefreshInterval(e.cfg.PollInterval)
		if interval == 0 || d < interval {
			interval = d
		}
	}
	return interval, interval > 0
}

func (e *Engine) poll(ctx context.Context, bd *bound, interval time.Duration) {
	defer close(bd.done)
	if err := e.Refresh(ctx, bd.b, false); err != nil {
		e.log.Warn("initial fetch failed", "widget", bd.b.ID(), "err", err)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.Refresh(ctx, bd.b, false); err != nil {
				e.log.Debug("poll failed", "widget", bd.b.ID(), "err", err)
			}
		}
	}
}

// Refresh runs the asynchronous pass for b: each telemetry and system source
// is fetched concurrently and written to its slot. Failures leave the slot
// untouched and set the binding's error.
func (e *Engine) Refresh(ctx context.Context, b *binding.Binding, force bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	var (
		mu    sync.Mutex
		first error
	)
	fail := func(err error) {
		mu.Lock()
		if first == nil {
			first = err
		}
		mu.Unlock()
	}
	for i, src := range b.Sources() {
		switch src.Kind {
		case model.KindTelemetry:
			g.Go(func() error {
				q := telemetry.QueryFor(src)
				q.BypassCache = force
				res := e.telemetry.FetchHistorical(gctx, q)
				b.SetSlot(i, binding.TelemetryValue(src, res))
				if res.Err != nil {
					fail(res.Err)
				}
				return nil
			})
		case model.KindSystem:
			g.Go(func() error {
				v, res := e.system.Metric(gctx, src.Metric, force)
				if res.Success || res.Stale {
					b.SetSlot(i, value.Of(v))
				}
				if res.Err != nil {
					fail(res.Err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	b.SetError(first)
	return first
}

// RefreshDevice loads a device's current record and upserts it. Concurrent
// calls for the same id share one request.
func (e *Engine) RefreshDevice(ctx context.Context, id string) error {
	if e.cfg.Devices == nil {
		return nil
	}
	rec, _, err := e.devices.Do(ctx, id, func(ctx context.Context) (model.DeviceRecord, error) {
		started := time.Now()
		rec, err := inflight.Bounded(ctx, e.fetchTimeout(), func(ctx context.Context) (model.DeviceRecord, error) {
			return e.cfg.Devices.DeviceCurrent(ctx, id)
		})
		e.metrics.Fetch("device", started, err)
		return rec, err
	})
	if err != nil {
		e.log.Warn("device fetch failed", "device", id, "err", err)
		return errs.FromFetch("engine", "device "+id, err)
	}
	e.store.Upsert(rec)
	return nil
}

func (e *Engine) fetchTimeout() time.Duration {
	if e.cfg.FetchTimeout > 0 {
		return e.cfg.FetchTimeout
	}
	return telemetry.DefaultTimeout
}

func (e *Engine) loadDevices(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	var (
		mu    sync.Mutex
		first error
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := e.RefreshDevice(gctx, id); err != nil {
				mu.Lock()
				if first == nil {
					first = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return first
}

// Revalidate reloads every bound device and forces a refetch of every async
// source. Run after the event stream reconnects or overruns.
func (e *Engine) Revalidate(ctx context.Context) error {
	bs := e.Bindings()
	seen := map[string]bool{}
	var ids []string
	for _, b := range bs {
		for _, id := range b.Devices() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	err := e.loadDevices(ctx, ids)
	for _, b := range bs {
		if _, async := e.pollInterval(b.Descriptor()); async {
			if rerr := e.Refresh(ctx, b, true); err == nil {
				err = rerr
			}
		}
	}
	return err
}

// storeChanged re-resolves the widgets reading a device whose record changed.
// Records are replaced on every update, so a pointer comparison suffices.
func (e *Engine) storeChanged(st store.State) {
	e.mu.Lock()
	prev := e.prev
	if st.Version <= prev.Version {
		e.mu.Unlock()
		return
	}
	e.prev = st
	e.mu.Unlock()

	for _, b := range e.Bindings() {
		if touches(b, prev, st) {
			e.Resolve(b)
		}
	}
}

func touches(b *binding.Binding, prev, cur store.State) bool {
	for _, src := range b.Sources() {
		if src.Kind == model.KindMetric {
			if _, ok := splitDevice(src.MetricID); !ok {
				return true
			}
		}
	}
	for _, id := range b.Devices() {
		before, _ := prev.Lookup(id)
		after, _ := cur.Lookup(id)
		if before != after {
			return true
		}
	}
	return false
}

func splitDevice(metricID string) (string, bool) {
	for i := 0; i < len(metricID); i++ {
		if metricID[i] == ':' {
			return metricID[:i], i > 0
		}
	}
	return "", false
}

// Send dispatches input through the first command source of widget id.
func (e *Engine) Send(ctx context.Context, id string, input any) (bool, error) {
	b, ok := e.Binding(id)
	if !ok {
		return false, ErrUnknownID
	}
	for _, src := range b.Sources() {
		if src.Kind == model.KindCommand {
			return e.commands.Send(ctx, src, input), nil
		}
	}
	return false, command.ErrNotCommand
}

// Connected reports the event stream's connectivity.
func (e *Engine) Connected() bool { return e.stream.Connected() }

// CacheStats returns hit/miss/eviction counters of both caches.
func (e *Engine) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"telemetry": e.telemetry.Cache().Stats(),
		"system":    e.system.Cache().Stats(),
	}
}
