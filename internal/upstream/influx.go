package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
)

type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	// DeviceTag is the tag holding the device id.
	DeviceTag string
	Logger    *slog.Logger
}

// InfluxTelemetry reads history straight from InfluxDB instead of the REST
// endpoint. Series are selected by measurement, device tag and field name.
type InfluxTelemetry struct {
	client      influxdb2.Client
	query       api.QueryAPI
	bucket      string
	measurement string
	deviceTag   string
	log         *slog.Logger
}

func NewInfluxTelemetry(cfg InfluxConfig) *InfluxTelemetry {
	if cfg.Measurement == "" {
		cfg.Measurement = "telemetry"
	}
	if cfg.DeviceTag == "" {
		cfg.DeviceTag = "device_id"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxTelemetry{
		client:      client,
		query:       client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: cfg.Measurement,
		deviceTag:   cfg.DeviceTag,
		log:         cfg.Logger.With("component", "influx"),
	}
}

func buildFlux(bucket, measurement, deviceTag string, req telemetry.Request) string {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r[%q] == %q)
  |> filter(fn: (r) => r._field == %q)
  |> keep(columns: ["_time","_value"])
  |> sort(columns: ["_time"], desc: true)
  |> limit(n:%d)
`, bucket, req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339),
		measurement, deviceTag, req.DeviceID, req.Metric, limit)
}

// Telemetry implements telemetry.Backend.
func (t *InfluxTelemetry) Telemetry(ctx context.Context, req telemetry.Request) ([]model.Point, error) {
	res, err := t.query.Query(ctx, buildFlux(t.bucket, t.measurement, t.deviceTag, req))
	if err != nil {
		return nil, fmt.Errorf("influx query error: %w", err)
	}
	defer func() {
		if cerr := res.Close(); cerr != nil {
			t.log.Debug("close result", "err", cerr)
		}
	}()

	var out []model.Point
	for res.Next() {
		rec := res.Record()
		out = append(out, model.Point{Timestamp: rec.Time().Unix(), Value: rec.Value()})
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx iter error: %w", err)
	}
	return out, nil
}

// Close releases the client's connections.
func (t *InfluxTelemetry) Close() { t.client.Close() }
