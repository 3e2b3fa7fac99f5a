package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, 50, cfg.TelemetryCapacity)
	assert.Equal(t, 2*time.Second, cfg.RefreshWindow)
	assert.Equal(t, []string{model.CategoryDevice}, cfg.Categories)
	assert.Equal(t, TransportWebSocket, cfg.EventTransport)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CACHE_TTL", "750ms")
	t.Setenv("HTTP_TIMEOUT", "2500")
	t.Setenv("TELEMETRY_CACHE_SIZE", "12")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("INFLIGHT_MAX", "not-a-number")

	cfg := Load()
	assert.Equal(t, 750*time.Millisecond, cfg.CacheTTL)
	assert.Equal(t, 2500*time.Millisecond, cfg.HTTPTimeout)
	assert.Equal(t, 12, cfg.TelemetryCapacity)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 100, cfg.InflightCapacity)
}

const dashboardYAML = `
widgets:
  - id: temp
    title: Temperature
    default: 0
    sources:
      - type: device
        deviceId: dev-1
        property: temp
  - id: history
    sources:
      - type: telemetry
        deviceId: dev-1
        metricId: temp
        timeRange: 24
        limit: 50
        aggregate: avg
        refresh: 15
  - id: pump
    sources:
      - type: command
        deviceId: dev-2
        command: relay
        valueMapping: {on: "ON", off: "OFF"}
        fixedParams: {channel: 1}
`

func TestLoadDashboard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dashboardYAML), 0o600))

	d, err := LoadDashboard(path)
	require.NoError(t, err)
	require.Len(t, d.Widgets, 3)

	assert.Equal(t, 0, d.Widgets[0].Default)
	h := d.Widgets[1].Sources[0]
	assert.Equal(t, model.KindTelemetry, h.Kind)
	assert.Equal(t, 24.0, h.TimeRange)
	assert.Equal(t, model.AggAvg, h.Aggregate)
	assert.Equal(t, 15*time.Second, h.RefreshInterval(time.Minute))

	p := d.Widgets[2].Sources[0]
	assert.Equal(t, "ON", p.ValueMapping["on"])
	assert.Equal(t, 1, p.FixedParams["channel"])
}

func TestParseDashboardRejects(t *testing.T) {
	_, err := ParseDashboard([]byte("widgets:\n  - id: a\n    sources:\n      - type: bogus\n"))
	assert.Error(t, err)

	_, err = ParseDashboard([]byte("widgets:\n  - id: a\n    sources: [{type: static, value: 1}]\n  - id: a\n    sources: [{type: static, value: 2}]\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = LoadDashboard(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
