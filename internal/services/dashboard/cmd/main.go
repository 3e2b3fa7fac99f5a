package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LeonardoBeccarini/dashfeed/internal/command"
	"github.com/LeonardoBeccarini/dashfeed/internal/config"
	"github.com/LeonardoBeccarini/dashfeed/internal/engine"
	"github.com/LeonardoBeccarini/dashfeed/internal/events"
	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/services/dashboard"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
	"github.com/LeonardoBeccarini/dashfeed/internal/upstream"
	"github.com/LeonardoBeccarini/dashfeed/pkg/broker"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.Kitchen}))
}

func brokerConfig(cfg config.Config, clientID string, log *slog.Logger) broker.Config {
	port, err := strconv.Atoi(cfg.MQTTPort)
	if err != nil {
		port = 1883
	}
	return broker.Config{
		Host:     cfg.MQTTHost,
		Port:     port,
		User:     cfg.MQTTUser,
		Password: cfg.MQTTPassword,
		ClientID: clientID,
		Logger:   log,
	}
}

// wsURL derives the event socket from the backend URL.
func wsURL(base string) string {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/events/ws"
	return u.String()
}

func eventSource(cfg config.Config, log *slog.Logger) events.Source {
	switch cfg.EventTransport {
	case config.TransportMQTT:
		return &events.MQTTSource{
			Broker: brokerConfig(cfg, getHostname("dashfeed")+"-events", log),
			Topics: cfg.MQTTTopics,
			QoS:    byte(cfg.MQTTQoS),
		}
	case config.TransportKafka:
		return &events.KafkaSource{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
			Logger:  log,
		}
	case config.TransportNone:
		return nil
	default:
		return &events.WebSocketSource{URL: wsURL(cfg.BackendURL), Logger: log}
	}
}

func getHostname(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	dash, err := config.LoadDashboard(cfg.DashboardFile)
	if err != nil {
		log.Error("dashboard load failed", "file", cfg.DashboardFile, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Metrics ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Error("metrics registration failed", "err", err)
		os.Exit(1)
	}

	// === Backend ===
	client := upstream.New(upstream.Config{
		BaseURL:         cfg.BackendURL,
		HTTPTimeout:     cfg.HTTPTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
		BreakerInterval: cfg.BreakerInterval,
		Logger:          log,
	})
	var tel telemetry.Backend = client
	if cfg.InfluxURL != "" {
		influx := upstream.NewInfluxTelemetry(upstream.InfluxConfig{
			URL:         cfg.InfluxURL,
			Token:       cfg.InfluxToken,
			Org:         cfg.InfluxOrg,
			Bucket:      cfg.InfluxBucket,
			Measurement: cfg.InfluxMeasurement,
			Logger:      log,
		})
		defer influx.Close()
		tel = influx
	}

	var cmds command.Transport = client
	if cfg.CommandTransport == "mqtt" {
		bc := brokerConfig(cfg, getHostname("dashfeed")+"-commands", log)
		mc, err := broker.Connect(ctx, &bc)
		if err != nil {
			log.Error("mqtt connection failed", "err", err)
			os.Exit(1)
		}
		defer broker.Close(mc)
		cmds = command.NewMQTTTransport(broker.NewPublisher(mc, byte(cfg.MQTTQoS)), cfg.MQTTCommandRoot)
	}

	// === Engine ===
	eng := engine.New(engine.Config{
		Devices:           client,
		Telemetry:         tel,
		Stats:             client,
		Commands:          cmds,
		Source:            eventSource(cfg, log),
		Categories:        cfg.Categories,
		StreamBuffer:      cfg.StreamBuffer,
		CacheTTL:          cfg.CacheTTL,
		TelemetryCapacity: cfg.TelemetryCapacity,
		SweepEvery:        cfg.SweepEvery,
		FetchTimeout:      cfg.HTTPTimeout,
		InflightCapacity:  cfg.InflightCapacity,
		RefreshWindow:     cfg.RefreshWindow,
		PollInterval:      cfg.PollInterval,
		ProcessedCap:      cfg.ProcessedCap,
		Metrics:           m,
		Logger:            log,
	})
	if err := eng.Init(ctx); err != nil {
		log.Error("engine start failed", "err", err)
		os.Exit(1)
	}
	for _, w := range dash.Widgets {
		if _, err := eng.Bind(ctx, w); err != nil {
			log.Warn("bind failed", "widget", w.ID, "err", err)
		}
	}
	log.Info("widgets bound", "count", len(eng.Bindings()), "transport", cfg.EventTransport)

	// === HTTP ===
	srv := dashboard.NewServer(dashboard.Config{
		Engine:         eng,
		Breakers:       client.BreakerStates,
		RequireStream:  cfg.EventTransport != config.TransportNone,
		RequestTimeout: cfg.HTTPTimeout,
		Gatherer:       reg,
		Logger:         log,
	})
	hs := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", hs.Addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shCtx)
	if err := eng.Dispose(); err != nil {
		log.Warn("engine dispose", "err", err)
	}
}
