package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/binding"
	"github.com/LeonardoBeccarini/dashfeed/internal/cache"
	"github.com/LeonardoBeccarini/dashfeed/internal/command"
	"github.com/LeonardoBeccarini/dashfeed/internal/engine"
	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/value"
)

type fakeEngine struct {
	bindings  []*binding.Binding
	connected bool
	sent      []any
	refreshed []string
	refreshFn func(b *binding.Binding) error
}

func (f *fakeEngine) Bindings() []*binding.Binding { return f.bindings }

func (f *fakeEngine) Binding(id string) (*binding.Binding, bool) {
	for _, b := range f.bindings {
		if b.ID() == id {
			return b, true
		}
	}
	return nil, false
}

func (f *fakeEngine) Refresh(_ context.Context, b *binding.Binding, _ bool) error {
	f.refreshed = append(f.refreshed, b.ID())
	if f.refreshFn != nil {
		return f.refreshFn(b)
	}
	return nil
}

func (f *fakeEngine) Send(_ context.Context, id string, input any) (bool, error) {
	b, ok := f.Binding(id)
	if !ok {
		return false, engine.ErrUnknownID
	}
	if b.Sources()[0].Kind != model.KindCommand {
		return false, command.ErrNotCommand
	}
	f.sent = append(f.sent, input)
	return true, nil
}

func (f *fakeEngine) Connected() bool { return f.connected }

func (f *fakeEngine) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{"telemetry": {Hits: 3, Misses: 1, Size: 1}}
}

func newFake() *fakeEngine {
	temp := binding.New(model.Descriptor{ID: "temp", Title: "Temperature", Sources: []model.DataSource{
		{Kind: model.KindDevice, DeviceID: "dev-1", Property: "temp"},
	}})
	temp.SetSlot(0, value.Of(21.5))
	pump := binding.New(model.Descriptor{ID: "pump", Sources: []model.DataSource{
		{Kind: model.KindCommand, DeviceID: "dev-2", Command: "relay"},
	}})
	return &fakeEngine{bindings: []*binding.Binding{temp, pump}, connected: true}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestListAndGetWidgets(t *testing.T) {
	h := NewServer(Config{Engine: newFake()}).Handler()

	w := do(t, h, http.MethodGet, "/widgets", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []binding.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "temp", list[0].ID)
	assert.Equal(t, 21.5, list[0].Value)
	assert.Equal(t, model.Placeholder, list[1].Value)

	w = do(t, h, http.MethodGet, "/widgets/temp", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap binding.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "Temperature", snap.Title)

	w = do(t, h, http.MethodGet, "/widgets/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefreshReturnsSnapshotWithError(t *testing.T) {
	f := newFake()
	f.refreshFn = func(b *binding.Binding) error {
		err := errors.New("backend down")
		b.SetError(err)
		return err
	}
	h := NewServer(Config{Engine: f}).Handler()

	w := do(t, h, http.MethodPost, "/widgets/temp/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap binding.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 21.5, snap.Value)
	assert.Equal(t, "backend down", snap.Error)
	assert.Equal(t, []string{"temp"}, f.refreshed)
}

func TestCommandEndpoint(t *testing.T) {
	f := newFake()
	h := NewServer(Config{Engine: f}).Handler()

	w := do(t, h, http.MethodPost, "/widgets/pump/command", `{"value": true}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []any{true}, f.sent)

	w = do(t, h, http.MethodPost, "/widgets/temp/command", `{"value": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/widgets/nope/command", `{"value": 1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/widgets/pump/command", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheStatsEndpoint(t *testing.T) {
	h := NewServer(Config{Engine: newFake()}).Handler()
	w := do(t, h, http.MethodGet, "/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"telemetry":{"hits":3,"misses":1,"evictions":0,"size":1}}`, w.Body.String())
}

func TestHealthAndReady(t *testing.T) {
	f := newFake()
	breakers := map[string]string{"device-current": "closed", "system-stats": "closed"}
	h := NewServer(Config{Engine: f, RequireStream: true, Breakers: func() map[string]string { return breakers }}).Handler()

	w := do(t, h, http.MethodGet, "/healthz", "")
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	breakers["system-stats"] = "open"
	assert.Contains(t, do(t, h, http.MethodGet, "/healthz", "").Body.String(), `"status":"degraded"`)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)

	breakers["system-stats"] = "closed"
	f.connected = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)

	breakers["device-current"] = "open"
	breakers["system-stats"] = "open"
	assert.Contains(t, do(t, h, http.MethodGet, "/healthz", "").Body.String(), `"status":"down"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	m.Refresh()

	h := NewServer(Config{Engine: newFake(), Gatherer: reg}).Handler()
	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dashfeed_")
}
