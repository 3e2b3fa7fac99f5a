package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", BreakerFailures: 2, BreakerOpenFor: time.Minute})
}

func TestDeviceCurrent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/dev-1/current", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"device": {"id": "dev-1", "device_id": "sensor-a", "name": "Greenhouse", "type": "thermo", "status": "online", "last_seen": 1700000000000},
			"metrics": {"temp": {"value": 21.5}, "mode": "auto"}
		}`))
	})

	rec, err := c.DeviceCurrent(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", rec.ID)
	assert.Equal(t, "sensor-a", rec.DeviceID)
	assert.Equal(t, "thermo", rec.DeviceType)
	assert.True(t, rec.Online)
	assert.Equal(t, int64(1700000000), rec.LastSeen)
	assert.Equal(t, 21.5, rec.CurrentValues["temp"])
	assert.Equal(t, "auto", rec.CurrentValues["mode"])
}

func TestTelemetryQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/dev-1/telemetry", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "temp", q.Get("metric"))
		assert.Equal(t, "1000", q.Get("start"))
		assert.Equal(t, "2000", q.Get("end"))
		assert.Equal(t, "10", q.Get("limit"))
		_, _ = w.Write([]byte(`{"data": {"temp": [{"timestamp": 1999000, "value": 2}, {"timestamp": 1500, "value": 1}]}}`))
	})

	pts, err := c.Telemetry(context.Background(), telemetry.Request{
		DeviceID: "dev-1", Metric: "temp",
		Start: time.Unix(1000, 0), End: time.Unix(2000, 0), Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, int64(1999000), pts[0].Timestamp)
	assert.Equal(t, 1.0, pts[1].Value)
}

func TestSystemStatsWrapped(t *testing.T) {
	for _, body := range []string{
		`{"uptime": 10, "cpu_count": 4, "total_memory": 100, "used_memory": 25, "platform": "linux"}`,
		`{"system": {"uptime": 10, "cpu_count": 4, "total_memory": 100, "used_memory": 25, "platform": "linux"}}`,
	} {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(body)) })
		st, err := c.SystemStats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, st.CPUCount)
		assert.Equal(t, "linux", st.Platform)
		v, _ := st.Metric("memory_percent")
		assert.Equal(t, 25.0, v)
	}
}

func TestSendCommand(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/devices/dev-1/command/relay", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})
	require.NoError(t, c.SendCommand(context.Background(), "dev-1", "relay", map[string]any{"state": "ON"}))
	assert.Equal(t, map[string]any{"state": "ON"}, got)
}

func TestMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{not json`)) })
	_, err := c.DeviceCurrent(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}

func TestBreakerOpensPerEndpoint(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/current") {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"cpu_count": 1}`))
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.DeviceCurrent(ctx, "d")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState(EndpointDevice))

	_, err := c.DeviceCurrent(ctx, "d")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransientFetch)
	assert.Equal(t, int32(2), hits.Load(), "open breaker short-circuits")

	_, err = c.SystemStats(ctx)
	assert.NoError(t, err, "other endpoints keep their own breaker")

	states := c.BreakerStates()
	assert.Equal(t, "open", states[EndpointDevice])
	assert.Equal(t, "closed", states[EndpointSystem])
}

func TestUnconfiguredBackend(t *testing.T) {
	c := New(Config{})
	_, err := c.SystemStats(context.Background())
	assert.ErrorIs(t, err, errs.ErrTransientFetch)
}

func TestBuildFlux(t *testing.T) {
	q := buildFlux("metrics", "telemetry", "device_id", telemetry.Request{
		DeviceID: "dev-1", Metric: "temp",
		Start: time.Unix(0, 0), End: time.Unix(3600, 0), Limit: 50,
	})
	assert.Contains(t, q, `from(bucket: "metrics")`)
	assert.Contains(t, q, "range(start: 1970-01-01T00:00:00Z, stop: 1970-01-01T01:00:00Z)")
	assert.Contains(t, q, `r["device_id"] == "dev-1"`)
	assert.Contains(t, q, `r._field == "temp"`)
	assert.Contains(t, q, "limit(n:50)")
}

func TestInfluxTelemetry(t *testing.T) {
	csv := "#datatype,string,long,dateTime:RFC3339,double\n" +
		"#group,false,false,false,false\n" +
		"#default,_result,,,\n" +
		",result,table,_time,_value\n" +
		",,0,2024-01-01T00:01:00Z,22.5\n" +
		",,0,2024-01-01T00:00:00Z,21.5\n" +
		"\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/query", r.URL.Path)
		assert.Equal(t, "dash", r.URL.Query().Get("org"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte(csv))
	}))
	defer srv.Close()

	it := NewInfluxTelemetry(InfluxConfig{URL: srv.URL, Org: "dash", Bucket: "metrics"})
	defer it.Close()

	pts, err := it.Telemetry(context.Background(), telemetry.Request{DeviceID: "dev-1", Metric: "temp", Start: time.Unix(0, 0), End: time.Now()})
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC).Unix(), pts[0].Timestamp)
	assert.Equal(t, 22.5, pts[0].Value)
}
