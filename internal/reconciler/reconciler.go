// Package reconciler applies pushed events to the device store and to the
// widget bindings they concern, and schedules the refetches that confirm
// optimistic telemetry merges.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/binding"
	"github.com/LeonardoBeccarini/dashfeed/internal/events"
	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/refresh"
	"github.com/LeonardoBeccarini/dashfeed/internal/resolver"
	"github.com/LeonardoBeccarini/dashfeed/internal/store"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
	"github.com/LeonardoBeccarini/dashfeed/pkg/dedup"
)

const (
	DefaultProcessedCap = 1000
	DefaultProcessedTTL = 10 * time.Minute
)

// envelope keys that are not metric values
var reserved = map[string]bool{
	"device_id": true, "deviceId": true, "id": true,
	"metric": true, "value": true, "timestamp": true,
}

type Config struct {
	Stream    *events.Stream
	Store     *store.Store
	Telemetry *telemetry.Fetcher
	Scheduler *refresh.Scheduler
	// Bindings returns the currently bound widgets.
	Bindings func() []*binding.Binding
	// Revalidate is run after a reconnect or a gap in the stream.
	Revalidate func(ctx context.Context) error

	ProcessedCap int
	ProcessedTTL time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

type Reconciler struct {
	stream     *events.Stream
	store      *store.Store
	telemetry  *telemetry.Fetcher
	scheduler  *refresh.Scheduler
	bindings   func() []*binding.Binding
	revalidate func(ctx context.Context) error
	processed  *dedup.Deduper
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last uint64

	// guards wg.Add against Close
	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config) *Reconciler {
	if cfg.ProcessedCap <= 0 {
		cfg.ProcessedCap = DefaultProcessedCap
	}
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = DefaultProcessedTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Bindings == nil {
		cfg.Bindings = func() []*binding.Binding { return nil }
	}
	return &Reconciler{
		stream:     cfg.Stream,
		store:      cfg.Store,
		telemetry:  cfg.Telemetry,
		scheduler:  cfg.Scheduler,
		bindings:   cfg.Bindings,
		revalidate: cfg.Revalidate,
		processed:  dedup.New(cfg.ProcessedTTL, cfg.ProcessedCap),
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With("component", "reconciler"),
		now:        cfg.Now,
	}
}

// Start consumes the stream until ctx is done. Connectivity is followed
// separately through Watch.
func (r *Reconciler) Start(ctx context.Context) {
	for {
		notify := r.stream.Notify()
		r.Drain(ctx)
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-notify:
		}
	}
}

// Drain applies every event published since the last call and returns how
// many were processed.
func (r *Reconciler) Drain(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	items, gap := r.stream.Since(r.last)
	if gap {
		r.log.Warn("event buffer overrun, revalidating", "after", r.last)
		r.runRevalidate(ctx)
	}
	n := 0
	for _, it := range items {
		if r.Apply(it.Envelope) {
			n++
		}
		r.last = it.Seq
	}
	return n
}

// Apply handles one event and reports whether it was processed.
func (r *Reconciler) Apply(env model.Envelope) bool {
	if env.ID != "" && !r.processed.ShouldProcess(env.ID) {
		r.metrics.Event("duplicate")
		return false
	}

	dev := env.DeviceID()
	switch {
	case env.Type == model.EventDeviceOnline || env.Type == model.EventDeviceOffline:
		r.store.SetPresence(dev, env.Type == model.EventDeviceOnline, env.EventTime(r.now()))
	case env.IsDeviceMetric():
		r.store.UpdateDeviceMetrics(dev, metricFields(env))
	default:
		r.metrics.Event("ignored")
		return false
	}

	st := r.store.State()
	for _, b := range r.bindings() {
		for i, src := range b.Sources() {
			if src.Kind == model.KindTelemetry {
				r.mergeTelemetry(b, i, src, env, st)
				continue
			}
			if v, ok := resolver.FromEvent(src, env, st); ok {
				b.SetSlot(i, v)
			}
		}
	}
	r.metrics.Event("processed")
	return true
}

// metricFields is the metric itself plus any other top-level scalar the
// producer attached.
func metricFields(env model.Envelope) map[string]any {
	out := map[string]any{}
	if v, ok := env.Value(); ok {
		out[env.Metric()] = v
	}
	for k, v := range env.Data {
		if reserved[k] || v == nil {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		out[k] = v
	}
	return out
}

// mergeTelemetry folds the event into the cached series behind a telemetry
// source and schedules the refetch that confirms it.
func (r *Reconciler) mergeTelemetry(b *binding.Binding, i int, src model.DataSource, env model.Envelope, st store.State) {
	if r.telemetry == nil {
		return
	}
	v, ok := resolver.FromEvent(src, env, st)
	if !ok {
		return
	}
	q := telemetry.QueryFor(src)
	p := model.Point{Timestamp: env.EventTime(r.now()), Value: v.Any()}
	res, merged := r.telemetry.MergePoint(q, p)
	if !merged {
		// nothing cached yet: show the event until the refetch lands
		one := []model.Point{p}
		res = telemetry.Result{Data: telemetry.Aggregate(one, q.Aggregate), Raw: one, Success: true}
	}
	b.SetSlot(i, binding.TelemetryValue(src, res))
	r.scheduleRefetch(q)
}

func (r *Reconciler) scheduleRefetch(q telemetry.Query) {
	if r.scheduler == nil {
		return
	}
	key := q.Key()
	deadline, armed := r.scheduler.Schedule(key, func(ctx context.Context) error {
		res := r.telemetry.Revalidate(ctx, q)
		binding.ApplyTelemetry(r.bindings(), key, res)
		if res.Err != nil {
			r.log.Warn("refetch failed", "key", key, "err", res.Err)
		}
		return res.Err
	})
	if armed {
		r.telemetry.SetRefreshAfter(q, deadline)
	}
}

// Watch follows the stream's connectivity until the returned func is called.
func (r *Reconciler) Watch(ctx context.Context) (stop func()) {
	return r.stream.OnConnectivity(func(up bool) { r.connectivity(ctx, up) })
}

// connectivity flags push-fed bindings stale while the stream is down and
// revalidates them once it is back.
func (r *Reconciler) connectivity(ctx context.Context, up bool) {
	if !up {
		r.log.Warn("event stream disconnected")
		for _, b := range r.bindings() {
			if !b.PushDependent() {
				continue
			}
			b.SetStale(true)
			for _, src := range b.Sources() {
				if src.Kind == model.KindTelemetry && r.scheduler != nil {
					r.scheduler.MarkStale(telemetry.QueryFor(src).Key())
				}
			}
		}
		return
	}
	r.log.Info("event stream connected")
	r.runRevalidate(ctx)
}

func (r *Reconciler) runRevalidate(ctx context.Context) {
	r.bgMu.Lock()
	defer r.bgMu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.revalidate != nil {
			if err := r.revalidate(ctx); err != nil {
				r.log.Warn("revalidation failed", "err", err)
				return
			}
		}
		for _, b := range r.bindings() {
			b.SetStale(false)
		}
	}()
}

// Wait blocks until background revalidations finish.
func (r *Reconciler) Wait() { r.wg.Wait() }

// Close stops new revalidations from starting and waits for running ones.
func (r *Reconciler) Close() {
	r.bgMu.Lock()
	r.closed = true
	r.bgMu.Unlock()
	r.wg.Wait()
}
