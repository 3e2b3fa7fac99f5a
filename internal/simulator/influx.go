package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Sink stores every published reading, so history exists for the
// telemetry backend to query.
type Sink interface {
	Record(ctx context.Context, deviceID, metric string, v float64, at time.Time) error
}

// InfluxSink writes readings as <measurement>,<device tag>=<id> <metric>=<v>,
// the layout upstream.InfluxTelemetry reads back.
type InfluxSink struct {
	api         api.WriteAPIBlocking
	measurement string
	deviceTag   string
	log         *slog.Logger

	mu      sync.RWMutex
	lastErr time.Time
	written int64
}

func NewInfluxSink(client influxdb2.Client, org, bucket, measurement string, log *slog.Logger) *InfluxSink {
	if measurement == "" {
		measurement = "telemetry"
	}
	if log == nil {
		log = slog.Default()
	}
	return &InfluxSink{
		api:         client.WriteAPIBlocking(org, bucket),
		measurement: measurement,
		deviceTag:   "device_id",
		log:         log.With("component", "influx-sink"),
	}
}

func (s *InfluxSink) Record(ctx context.Context, deviceID, metric string, v float64, at time.Time) error {
	p := influxdb2.NewPoint(s.measurement,
		map[string]string{s.deviceTag: deviceID},
		map[string]any{metric: v},
		at)
	if err := s.api.WritePoint(ctx, p); err != nil {
		s.mu.Lock()
		s.lastErr = time.Now()
		s.mu.Unlock()
		s.log.Warn("influx write error", "err", err)
		return err
	}
	s.mu.Lock()
	s.written++
	s.mu.Unlock()
	return nil
}

// LastErrorAge is the time since the last failed write; a sink that never
// failed reports a very large age.
func (s *InfluxSink) LastErrorAge() time.Duration {
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	if t.IsZero() {
		return 99999 * time.Hour
	}
	return time.Since(t)
}

func (s *InfluxSink) Written() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.written
}
