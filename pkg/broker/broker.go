// Package broker wraps the paho MQTT client: connect with retry, topic
// consumers and publishers. Connection state changes are reported through
// callbacks so the event stream can flag bindings stale.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	ConnectTimeout time.Duration
	MaxRetries     int

	// OnConnect runs on the first connect and on every automatic reconnect.
	OnConnect func(mqtt.Client)
	// OnConnectionLost runs when an established connection drops.
	OnConnectionLost func(error)

	Logger *slog.Logger
}

func (c *Config) URL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

func (c *Config) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.URL())
	opts.SetUsername(c.User)
	opts.SetPassword(c.Password)
	opts.SetClientID(c.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(c.ConnectTimeout)
	if c.OnConnect != nil {
		opts.SetOnConnectHandler(func(cl mqtt.Client) { c.OnConnect(cl) })
	}
	if c.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.OnConnectionLost(err) })
	}
	return opts
}

// Connect dials the broker, retrying with exponential backoff, and
// disconnects when ctx is done.
func Connect(ctx context.Context, cfg *Config) (mqtt.Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "broker", "broker", cfg.URL())
	opts := cfg.options()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn("connect failed", "err", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}
	log.Info("connected")

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		log.Info("connection closed")
	}()
	return client, nil
}

func Close(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
