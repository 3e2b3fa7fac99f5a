// Package simulator publishes synthetic device events over MQTT and answers
// the commands the dashboard sends to that device. It stands in for real
// hardware during local runs.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/dashfeed/internal/command"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/pkg/broker"
	"github.com/LeonardoBeccarini/dashfeed/pkg/dedup"
)

const (
	DefaultEventPrefix = "events"
	DefaultMetric      = "moisture"
)

type Config struct {
	DeviceID    string
	Name        string
	Metric      string
	EventPrefix string
	CommandRoot string
	Interval    time.Duration
	QoS         byte
	Generator   *Generator

	// Sink, when set, also stores every reading.
	Sink   Sink
	Logger *slog.Logger
	Now    func() time.Time
}

type Simulator struct {
	cfg       Config
	client    mqtt.Client
	publisher *broker.Publisher
	deduper   *dedup.Deduper
	log       *slog.Logger

	mu    sync.Mutex
	timer *time.Timer // reverts a timed command
}

func New(client mqtt.Client, cfg Config) *Simulator {
	if cfg.Metric == "" {
		cfg.Metric = DefaultMetric
	}
	if cfg.EventPrefix == "" {
		cfg.EventPrefix = DefaultEventPrefix
	}
	if cfg.CommandRoot == "" {
		cfg.CommandRoot = command.DefaultTopicPrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Generator == nil {
		cfg.Generator = NewGenerator(GeneratorConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{
		cfg:       cfg,
		client:    client,
		publisher: broker.NewPublisher(client, cfg.QoS),
		deduper:   dedup.New(2*time.Minute, 10000),
		log:       cfg.Logger.With("component", "simulator", "device", cfg.DeviceID),
	}
}

// CommandTopic is the filter the simulator listens on.
func (s *Simulator) CommandTopic() string {
	return fmt.Sprintf("%s/%s/command/+", s.cfg.CommandRoot, s.cfg.DeviceID)
}

// Run announces the device, publishes a reading every interval and answers
// commands until ctx is done, then announces it offline.
func (s *Simulator) Run(ctx context.Context) error {
	consumer := broker.NewConsumer(s.client, []string{s.CommandTopic()}, 1, s.handleCommand)
	if err := consumer.Subscribe(); err != nil {
		return err
	}
	if err := s.publishPresence(model.EventDeviceOnline); err != nil {
		s.log.Warn("presence publish failed", "err", err)
	}

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			_ = s.publishPresence(model.EventDeviceOffline)
			s.client.Unsubscribe(s.CommandTopic()).Wait()
			return nil
		case <-t.C:
			if err := s.PublishReading(); err != nil {
				s.log.Warn("publish failed", "err", err)
			}
		}
	}
}

func (s *Simulator) envelope(typ string, data map[string]any) model.Envelope {
	data["device_id"] = s.cfg.DeviceID
	return model.Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: s.cfg.Now().UnixMilli(),
		Source:    "simulator",
		Data:      data,
	}
}

// PublishReading publishes one DeviceMetric sample on
// <prefix>/<device>/<metric>.
func (s *Simulator) PublishReading() error {
	now := s.cfg.Now()
	v := s.cfg.Generator.Next(now)
	env := s.envelope(model.EventDeviceMetric, map[string]any{
		"metric":    s.cfg.Metric,
		"value":     v,
		"timestamp": now.Unix(),
		"state":     onOff(s.cfg.Generator.On()),
	})
	s.log.Debug("reading", "metric", s.cfg.Metric, "value", v)
	if s.cfg.Sink != nil {
		if err := s.cfg.Sink.Record(context.Background(), s.cfg.DeviceID, s.cfg.Metric, v, now); err != nil {
			s.log.Warn("sink write failed", "err", err)
		}
	}
	return s.publisher.PublishMessage(fmt.Sprintf("%s/%s/%s", s.cfg.EventPrefix, s.cfg.DeviceID, s.cfg.Metric), env)
}

func (s *Simulator) publishPresence(typ string) error {
	data := map[string]any{}
	if s.cfg.Name != "" {
		data["name"] = s.cfg.Name
	}
	return s.publisher.PublishMessage(fmt.Sprintf("%s/%s", s.cfg.EventPrefix, s.cfg.DeviceID), s.envelope(typ, data))
}

func (s *Simulator) handleCommand(topic string, payload []byte) error {
	var req command.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	if req.RequestID != "" && !s.deduper.ShouldProcess(req.RequestID) {
		return nil
	}
	if req.Command == "" {
		req.Command = topic[strings.LastIndex(topic, "/")+1:]
	}

	on, ok := switchValue(req.Params["value"])
	result := map[string]any{"command": req.Command, "request_id": req.RequestID, "success": ok}
	if ok {
		s.apply(on, seconds(req.Params["duration"]))
		result["state"] = onOff(on)
	} else {
		result["error"] = "unsupported value"
	}
	s.log.Info("command", "command", req.Command, "value", req.Params["value"], "success", ok)
	return s.publisher.PublishMessage(fmt.Sprintf("%s/%s", s.cfg.EventPrefix, s.cfg.DeviceID),
		s.envelope(model.EventDeviceCommandResult, result))
}

// apply switches the actuator; a positive duration schedules the revert.
func (s *Simulator) apply(on bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	prev := s.cfg.Generator.On()
	s.cfg.Generator.SetOn(on, s.cfg.Now())
	if d > 0 {
		s.timer = time.AfterFunc(d, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.cfg.Generator.SetOn(prev, s.cfg.Now())
			s.timer = nil
		})
	}
}

func switchValue(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(x) {
		case "on", "true", "1":
			return true, true
		case "off", "false", "0":
			return false, true
		}
	}
	return false, false
}

func seconds(v any) time.Duration {
	if f, ok := v.(float64); ok && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return 0
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
