// Command simulator publishes synthetic readings for one device.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/lmittmann/tint"

	"github.com/LeonardoBeccarini/dashfeed/internal/simulator"
	"github.com/LeonardoBeccarini/dashfeed/pkg/broker"
)

func main() {
	deviceID := flag.String("device-id", "dev-1", "device identifier")
	name := flag.String("name", "", "device display name")
	metric := flag.String("metric", simulator.DefaultMetric, "metric name")
	host := flag.String("host", "localhost", "MQTT host")
	port := flag.Int("port", 1883, "MQTT port")
	user := flag.String("user", "guest", "MQTT user")
	password := flag.String("password", "guest", "MQTT password")
	interval := flag.Duration("interval", 10*time.Second, "publish interval")
	seed := flag.Float64("seed", 0.3, "initial level in [0..1]")
	noise := flag.Float64("noise", 0.01, "max jitter per sample")
	influxURL := flag.String("influx-url", "", "also write readings to this InfluxDB")
	influxToken := flag.String("influx-token", os.Getenv("INFLUX_TOKEN"), "InfluxDB token")
	influxOrg := flag.String("influx-org", "dashfeed", "InfluxDB org")
	influxBucket := flag.String("influx-bucket", "telemetry", "InfluxDB bucket")
	flag.Parse()

	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug, TimeFormat: time.Kitchen}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &broker.Config{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *password,
		ClientID: "simulator-" + *deviceID,
		Logger:   log,
	}
	client, err := broker.Connect(ctx, cfg)
	if err != nil {
		log.Error("mqtt connection failed", "err", err)
		os.Exit(1)
	}
	defer broker.Close(client)

	var sink simulator.Sink
	if *influxURL != "" {
		ic := influxdb2.NewClient(*influxURL, *influxToken)
		defer ic.Close()
		sink = simulator.NewInfluxSink(ic, *influxOrg, *influxBucket, "", log)
	}

	sim := simulator.New(client, simulator.Config{
		DeviceID:  *deviceID,
		Name:      *name,
		Metric:    *metric,
		Interval:  *interval,
		QoS:       1,
		Generator: simulator.NewGenerator(simulator.GeneratorConfig{Seed: *seed, Noise: *noise, RandSeed: uint64(time.Now().UnixNano())}),
		Sink:      sink,
		Logger:    log,
	})
	if err := sim.Run(ctx); err != nil {
		log.Error("simulator stopped", "err", err)
		os.Exit(1)
	}
}
