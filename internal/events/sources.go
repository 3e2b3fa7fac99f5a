package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/pkg/broker"
)

// Source fills a Stream until ctx is done, reporting connectivity on it.
type Source interface {
	Run(ctx context.Context, s *Stream) error
}

func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if initial > 0 {
		bo.InitialInterval = initial
	}
	if max > 0 {
		bo.MaxInterval = max
	}
	bo.MaxElapsedTime = 0 // retry until cancelled
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// WebSocketSource reads envelopes from the backend's /api/events/ws
// endpoint, reconnecting with exponential backoff.
type WebSocketSource struct {
	URL      string // ws://host/api/events/ws
	Category string
	Header   http.Header

	Dialer         *websocket.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReadTimeout    time.Duration // 0 disables the read deadline
	Logger         *slog.Logger
}

func (w *WebSocketSource) endpoint() (string, error) {
	u, err := url.Parse(w.URL)
	if err != nil {
		return "", fmt.Errorf("events url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if w.Category != "" {
		q := u.Query()
		q.Set("category", w.Category)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (w *WebSocketSource) Run(ctx context.Context, s *Stream) error {
	endpoint, err := w.endpoint()
	if err != nil {
		return err
	}
	dialer := w.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "events", "transport", "websocket")
	bo := newBackoff(w.InitialBackoff, w.MaxBackoff)

	for {
		conn, _, err := dialer.DialContext(ctx, endpoint, w.Header)
		if err == nil {
			bo.Reset()
			s.SetConnected(true)
			err = w.read(ctx, conn, s)
			s.SetConnected(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		log.Warn("stream disconnected", "err", err, "retry_in", wait)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func (w *WebSocketSource) read(ctx context.Context, conn *websocket.Conn, s *Stream) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	for {
		if w.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		}
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if err := s.PublishRaw(msg); err != nil {
			s.log.Debug("dropping undecodable message", "err", err)
		}
	}
}

// MQTTSource subscribes to device event topics on the broker. Topic layout
// is <prefix>/<device id>[/<metric>]; ids missing from the payload are taken
// from the topic.
type MQTTSource struct {
	Broker broker.Config
	Topics []string
	QoS    byte

	// connect is broker.Connect outside tests.
	connect func(context.Context, *broker.Config) (mqtt.Client, error)
}

func (m *MQTTSource) Run(ctx context.Context, s *Stream) error {
	connect := m.connect
	if connect == nil {
		connect = broker.Connect
	}
	handler := func(topic string, payload []byte) error {
		envs, err := DecodeEnvelopes(payload)
		if err != nil {
			s.metrics.Event("malformed")
			return err
		}
		for _, env := range envs {
			s.Publish(fillFromTopic(env, topic))
		}
		return nil
	}

	cfg := m.Broker
	cfg.OnConnect = func(c mqtt.Client) {
		if err := broker.NewConsumer(c, m.Topics, m.QoS, handler).Subscribe(); err != nil {
			s.log.Warn("resubscribe failed", "err", err)
			return
		}
		s.SetConnected(true)
	}
	cfg.OnConnectionLost = func(err error) {
		s.log.Warn("mqtt connection lost", "err", err)
		s.SetConnected(false)
	}

	client, err := connect(ctx, &cfg)
	if err != nil {
		return err
	}
	<-ctx.Done()
	broker.Close(client)
	s.SetConnected(false)
	return nil
}

func fillFromTopic(env model.Envelope, topic string) model.Envelope {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 2 {
		return env
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	if env.DeviceID() == "" {
		env.Data["device_id"] = parts[1]
	}
	if len(parts) >= 3 && env.Metric() == "" {
		env.Data["metric"] = strings.Join(parts[2:], ".")
	}
	return env
}

// KafkaSource consumes envelopes from a Kafka topic.
type KafkaSource struct {
	Brokers []string
	Topic   string
	GroupID string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger

	// reader is built from the fields above outside tests.
	reader messageReader
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

const (
	kafkaMinBytes = 1
	kafkaMaxBytes = 10_000_000
)

func (k *KafkaSource) Run(ctx context.Context, s *Stream) error {
	r := k.reader
	if r == nil {
		if len(k.Brokers) == 0 || k.Topic == "" {
			return errors.New("kafka source: brokers and topic are required")
		}
		r = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.Brokers,
			GroupID:  k.GroupID,
			Topic:    k.Topic,
			MinBytes: kafkaMinBytes,
			MaxBytes: kafkaMaxBytes,
			MaxWait:  250 * time.Millisecond,
		})
	}
	defer r.Close()

	log := k.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "events", "transport", "kafka", "topic", k.Topic)
	bo := newBackoff(k.InitialBackoff, k.MaxBackoff)

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.SetConnected(false)
				return nil
			}
			s.SetConnected(false)
			wait := bo.NextBackOff()
			log.Warn("read failed", "err", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()
		s.SetConnected(true)
		if err := s.PublishRaw(msg.Value); err != nil {
			log.Debug("dropping undecodable message", "offset", msg.Offset, "err", err)
		}
	}
}
