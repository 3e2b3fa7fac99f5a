package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

func TestUpdateDeviceMetricIsCopyOnWrite(t *testing.T) {
	s := New()
	s.Upsert(model.DeviceRecord{ID: "d1", CurrentValues: map[string]any{"temp": 20.0}})

	before, ok := s.Lookup("d1")
	require.True(t, ok)

	s.UpdateDeviceMetric("d1", "temp", 21.0)
	after, ok := s.Lookup("d1")
	require.True(t, ok)

	assert.NotSame(t, before, after)
	assert.Equal(t, 20.0, before.CurrentValues["temp"], "old snapshot must not change")
	assert.Equal(t, 21.0, after.CurrentValues["temp"])
}

func TestUpdateWithSameValueDoesNotPublish(t *testing.T) {
	s := New()
	calls := 0
	unsub := s.Subscribe(func(State) { calls++ })
	defer unsub()

	s.UpdateDeviceMetric("d1", "on", true)
	s.UpdateDeviceMetric("d1", "on", true)
	assert.Equal(t, 1, calls)

	s.UpdateDeviceMetric("d1", "on", false)
	assert.Equal(t, 2, calls)
}

func TestLookupByDeviceIDAlias(t *testing.T) {
	s := New()
	s.Upsert(model.DeviceRecord{ID: "uuid-1", DeviceID: "sensor-kitchen", CurrentValues: map[string]any{}})

	d, ok := s.Lookup("sensor-kitchen")
	require.True(t, ok)
	assert.Equal(t, "uuid-1", d.ID)

	// writes through the alias land on the same record
	s.UpdateDeviceMetric("sensor-kitchen", "temp", 19.5)
	assert.Len(t, s.State().Devices, 1)
	d, _ = s.Lookup("uuid-1")
	assert.Equal(t, 19.5, d.CurrentValues["temp"])
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	s := New()
	var got []uint64
	unsub := s.Subscribe(func(st State) { got = append(got, st.Version) })

	s.SetPresence("d1", true, 100)
	s.SetPresence("d1", true, 100) // no change
	unsub()
	unsub()
	s.SetPresence("d1", false, 200)

	assert.Equal(t, []uint64{1}, got)
	d, _ := s.Lookup("d1")
	assert.False(t, d.Online)
	assert.Equal(t, model.StatusOffline, d.Status)
	assert.Equal(t, int64(200), d.LastSeen)
}

func TestUpdateDeviceMetricsBatch(t *testing.T) {
	s := New()
	calls := 0
	s.Subscribe(func(State) { calls++ })
	s.UpdateDeviceMetrics("d1", map[string]any{"a": 1.0, "b": "x"})
	s.UpdateDeviceMetrics("d1", map[string]any{"a": 1.0})
	assert.Equal(t, 1, calls)
	d, _ := s.Lookup("d1")
	assert.Equal(t, map[string]any{"a": 1.0, "b": "x"}, d.CurrentValues)
}
