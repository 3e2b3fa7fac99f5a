package binding

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/resolver"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
	"github.com/LeonardoBeccarini/dashfeed/internal/value"
)

func TestFallbackChain(t *testing.T) {
	b := New(model.Descriptor{ID: "w", Sources: []model.DataSource{{Kind: model.KindDevice, DeviceID: "d", Property: "temp"}}})
	assert.Equal(t, model.Placeholder, b.Value())
	assert.True(t, b.Snapshot().Pending)

	withDefault := New(model.Descriptor{ID: "w2", Default: 0.0, Sources: b.Sources()})
	assert.Equal(t, 0.0, withDefault.Value())

	require.True(t, b.SetSlot(0, value.Of(21.0)))
	assert.Equal(t, 21.0, b.Value())

	assert.False(t, b.SetSlot(0, value.Value{}), "unknown never replaces a known value")
	assert.Equal(t, 21.0, b.Value())

	b.Apply([]resolver.Slot{{}})
	assert.Equal(t, 21.0, b.Value())
	assert.False(t, b.Snapshot().Pending)
}

func TestApplySkipsAsyncSlots(t *testing.T) {
	desc := model.Descriptor{ID: "w", Sources: []model.DataSource{
		{Kind: model.KindStatic, Value: "a"},
		{Kind: model.KindTelemetry, DeviceID: "d", MetricID: "m"},
	}}
	b := New(desc)
	b.SetSlot(1, value.Of(5.0))
	b.Apply([]resolver.Slot{{Value: value.Of("a")}, {Async: true}})

	snap := b.Snapshot()
	assert.Equal(t, []any{"a", 5.0}, snap.Value)
	assert.Equal(t, []any{"a", 5.0}, snap.Sources)
}

func TestErrorAndStaleKeepValue(t *testing.T) {
	b := New(model.Descriptor{ID: "w", Sources: []model.DataSource{{Kind: model.KindStatic, Value: 1}}})
	b.SetSlot(0, value.Of(1.0))
	b.SetError(errors.New("boom"))
	b.SetStale(true)

	snap := b.Snapshot()
	assert.Equal(t, 1.0, snap.Value)
	assert.Equal(t, "boom", snap.Error)
	assert.True(t, snap.Stale)

	b.SetError(nil)
	assert.Empty(t, b.Snapshot().Error)
}

func TestTelemetryValue(t *testing.T) {
	res := telemetry.Result{
		Data: []float64{3, 2},
		Raw:  []model.Point{{Timestamp: 2, Value: 3.0}, {Timestamp: 1, Value: 2.0}},
	}
	assert.Equal(t, []any{3.0, 2.0}, TelemetryValue(model.DataSource{}, res).Any())
	assert.Equal(t, 3.0, TelemetryValue(model.DataSource{Aggregate: model.AggLatest}, res).Any())

	pts := TelemetryValue(model.DataSource{RawPoints: true}, res).Any()
	require.IsType(t, []any{}, pts)
	assert.Len(t, pts, 2)

	img := telemetry.Result{Raw: []model.Point{{Timestamp: 1, Value: "data:image/png;base64,AAA"}}}
	assert.Equal(t, value.List, TelemetryValue(model.DataSource{Aggregate: model.AggLatest}, img).Kind())

	assert.True(t, TelemetryValue(model.DataSource{}, telemetry.Result{}).IsUnknown())
}

func TestApplyTelemetryByKey(t *testing.T) {
	src := model.DataSource{Kind: model.KindTelemetry, DeviceID: "d", MetricID: "temp", Aggregate: model.AggAvg}
	other := model.DataSource{Kind: model.KindTelemetry, DeviceID: "d", MetricID: "hum", Aggregate: model.AggAvg}
	a := New(model.Descriptor{ID: "a", Sources: []model.DataSource{src}})
	b := New(model.Descriptor{ID: "b", Sources: []model.DataSource{other}})

	ApplyTelemetry([]*Binding{a, b}, telemetry.QueryFor(src).Key(), telemetry.Result{Data: []float64{20}, Success: true})
	assert.Equal(t, 20.0, a.Value())
	assert.Equal(t, model.Placeholder, b.Value())
}

func TestDevicesAndPushDependent(t *testing.T) {
	b := New(model.Descriptor{ID: "w", Sources: []model.DataSource{
		{Kind: model.KindDevice, DeviceID: "d1"},
		{Kind: model.KindMetric, MetricID: "d2:temp"},
		{Kind: model.KindMetric, MetricID: "hum"},
		{Kind: model.KindDeviceInfo, DeviceID: "d1", InfoProperty: "name"},
	}})
	assert.Equal(t, []string{"d1", "d2"}, b.Devices())
	assert.True(t, b.PushDependent())

	static := New(model.Descriptor{ID: "s", Sources: []model.DataSource{{Kind: model.KindStatic, Value: 1}, {Kind: model.KindSystem, Metric: "cpu"}}})
	assert.False(t, static.PushDependent())
}
