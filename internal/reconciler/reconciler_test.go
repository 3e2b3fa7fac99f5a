package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/binding"
	"github.com/LeonardoBeccarini/dashfeed/internal/events"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/refresh"
	"github.com/LeonardoBeccarini/dashfeed/internal/store"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
)

type backend struct {
	mu     sync.Mutex
	calls  int
	points []model.Point
}

func (b *backend) Telemetry(context.Context, telemetry.Request) ([]model.Point, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.points, nil
}

func (b *backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fixture struct {
	stream    *events.Stream
	store     *store.Store
	fetcher   *telemetry.Fetcher
	scheduler *refresh.Scheduler
	backend   *backend
	bindings  []*binding.Binding
	rec       *Reconciler
	revals    int
	mu        sync.Mutex
}

func newFixture(t *testing.T, descs ...model.Descriptor) *fixture {
	t.Helper()
	f := &fixture{
		stream:  events.NewStream(events.StreamConfig{}),
		store:   store.New(),
		backend: &backend{points: []model.Point{{Timestamp: 100, Value: 10.0}}},
	}
	f.fetcher = telemetry.NewFetcher(telemetry.Config{Backend: f.backend})
	f.scheduler = refresh.New(refresh.Config{Window: 100 * time.Millisecond})
	t.Cleanup(f.scheduler.Close)
	for _, d := range descs {
		f.bindings = append(f.bindings, binding.New(d))
	}
	f.rec = New(Config{
		Stream:    f.stream,
		Store:     f.store,
		Telemetry: f.fetcher,
		Scheduler: f.scheduler,
		Bindings:  func() []*binding.Binding { return f.bindings },
		Revalidate: func(context.Context) error {
			f.mu.Lock()
			f.revals++
			f.mu.Unlock()
			return nil
		},
	})
	return f
}

func metric(id, dev, name string, v any) model.Envelope {
	return model.Envelope{
		ID:   id,
		Type: model.EventDeviceMetric,
		Data: map[string]any{"device_id": dev, "metric": name, "value": v},
	}
}

func TestApplyUpdatesStoreAndBindings(t *testing.T) {
	f := newFixture(t, model.Descriptor{ID: "w", Sources: []model.DataSource{
		{Kind: model.KindDevice, DeviceID: "d1", Property: "temp"},
	}})

	env := metric("e1", "d1", "temp", 22.5)
	env.Data["battery"] = 90.0
	require.True(t, f.rec.Apply(env))

	rec, ok := f.store.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, 22.5, rec.CurrentValues["temp"])
	assert.Equal(t, 90.0, rec.CurrentValues["battery"])
	assert.Equal(t, 22.5, f.bindings[0].Value())
}

func TestDuplicateIDsProcessedOnce(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.rec.Apply(metric("e1", "d1", "temp", 1.0)))
	assert.False(t, f.rec.Apply(metric("e1", "d1", "temp", 2.0)))

	rec, _ := f.store.Lookup("d1")
	assert.Equal(t, 1.0, rec.CurrentValues["temp"])

	assert.False(t, f.rec.Apply(model.Envelope{ID: "x", Type: "RuleTriggered"}), "non-device events are ignored")
}

func TestPresence(t *testing.T) {
	f := newFixture(t, model.Descriptor{ID: "w", Sources: []model.DataSource{
		{Kind: model.KindDeviceInfo, DeviceID: "d1", InfoProperty: "status"},
	}})
	require.True(t, f.rec.Apply(model.Envelope{ID: "p1", Type: model.EventDeviceOffline, Data: map[string]any{"device_id": "d1"}}))

	rec, ok := f.store.Lookup("d1")
	require.True(t, ok)
	assert.False(t, rec.Online)
	assert.Equal(t, model.StatusOffline, f.bindings[0].Value())
}

func TestDrainFollowsSequence(t *testing.T) {
	f := newFixture(t)
	f.stream.Publish(metric("a", "d1", "temp", 1.0))
	f.stream.Publish(metric("b", "d1", "temp", 2.0))
	assert.Equal(t, 2, f.rec.Drain(context.Background()))
	assert.Equal(t, 0, f.rec.Drain(context.Background()))

	f.stream.Publish(metric("c", "d1", "temp", 3.0))
	assert.Equal(t, 1, f.rec.Drain(context.Background()))
	rec, _ := f.store.Lookup("d1")
	assert.Equal(t, 3.0, rec.CurrentValues["temp"])
}

func TestTelemetryMergeAndCoalescedRefetch(t *testing.T) {
	src := model.DataSource{Kind: model.KindTelemetry, DeviceID: "d1", MetricID: "temp", Aggregate: model.AggLatest}
	f := newFixture(t, model.Descriptor{ID: "w", Sources: []model.DataSource{src}})
	q := telemetry.QueryFor(src)

	res := f.fetcher.FetchHistorical(context.Background(), q)
	require.True(t, res.Success)
	require.Equal(t, 1, f.backend.Calls())

	f.rec.Apply(model.Envelope{ID: "m1", Type: model.EventDeviceMetric,
		Data: map[string]any{"device_id": "d1", "metric": "temp", "value": 30.0, "timestamp": 200.0}})
	f.rec.Apply(model.Envelope{ID: "m2", Type: model.EventDeviceMetric,
		Data: map[string]any{"device_id": "d1", "metric": "temp", "value": 31.0, "timestamp": 300.0}})

	assert.Equal(t, 31.0, f.bindings[0].Value(), "merged optimistically")
	st, _ := f.scheduler.State(q.Key())
	assert.Equal(t, refresh.Scheduled, st)

	e, ok := f.fetcher.Cache().Get(q.Key())
	require.True(t, ok)
	assert.True(t, e.Refreshing)

	require.Eventually(t, func() bool { return f.backend.Calls() == 2 }, time.Second, 5*time.Millisecond,
		"two events inside the window yield one refetch")
	require.Eventually(t, func() bool { return f.bindings[0].Value() == 10.0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.backend.Calls())
}

func TestFirstPushWithoutCacheShowsImmediately(t *testing.T) {
	src := model.DataSource{Kind: model.KindTelemetry, DeviceID: "d1", MetricID: "temp", Aggregate: model.AggLatest}
	f := newFixture(t, model.Descriptor{ID: "w", Sources: []model.DataSource{src}})

	require.True(t, f.rec.Apply(model.Envelope{ID: "m1", Type: model.EventDeviceMetric,
		Data: map[string]any{"device_id": "d1", "metric": "temp", "value": 30.0, "timestamp": 200.0}}))
	assert.Equal(t, 30.0, f.bindings[0].Value(), "seeded from the event")
	assert.Equal(t, 0, f.backend.Calls())

	require.Eventually(t, func() bool { return f.bindings[0].Value() == 10.0 }, time.Second, 5*time.Millisecond,
		"the coalesced refetch replaces the seed")
	assert.Equal(t, 1, f.backend.Calls())
}

func TestNoRevalidationAfterClose(t *testing.T) {
	f := newFixture(t, model.Descriptor{ID: "live", Sources: []model.DataSource{{Kind: model.KindDevice, DeviceID: "d1", Property: "temp"}}})
	stop := f.rec.Watch(context.Background())
	defer stop()

	f.rec.Close()
	f.stream.SetConnected(true)
	f.rec.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Zero(t, f.revals)
}

func TestDisconnectMarksStaleAndReconnectRevalidates(t *testing.T) {
	f := newFixture(t,
		model.Descriptor{ID: "live", Sources: []model.DataSource{{Kind: model.KindDevice, DeviceID: "d1", Property: "temp"}}},
		model.Descriptor{ID: "fixed", Sources: []model.DataSource{{Kind: model.KindStatic, Value: 1}}},
	)
	stop := f.rec.Watch(context.Background())
	t.Cleanup(func() {
		stop()
		f.rec.Wait()
	})
	revals := func() int {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.revals
	}

	f.stream.SetConnected(true)
	f.rec.Wait()
	require.Equal(t, 1, revals())

	f.stream.SetConnected(false)
	assert.True(t, f.bindings[0].Snapshot().Stale)
	assert.False(t, f.bindings[1].Snapshot().Stale)

	f.stream.SetConnected(true)
	f.rec.Wait()
	assert.False(t, f.bindings[0].Snapshot().Stale)
	assert.Equal(t, 2, revals())
}

func TestStartDrainsOnNotify(t *testing.T) {
	f := newFixture(t, model.Descriptor{ID: "w", Sources: []model.DataSource{{Kind: model.KindMetric, MetricID: "d1:temp"}}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Start(ctx)
		close(done)
	}()

	f.stream.Publish(metric("z", "d1", "temp", 5.0))
	require.Eventually(t, func() bool { return f.bindings[0].Value() == 5.0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
