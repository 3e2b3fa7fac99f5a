package broker

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler gets the concrete topic a message arrived on and its payload.
type Handler func(topic string, payload []byte) error

// Consumer subscribes a handler to a set of topic filters.
type Consumer struct {
	client  mqtt.Client
	topics  []string
	qos     byte
	handler Handler
	log     *slog.Logger
}

func NewConsumer(client mqtt.Client, topics []string, qos byte, handler Handler) *Consumer {
	return &Consumer{
		client:  client,
		topics:  topics,
		qos:     qos,
		handler: handler,
		log:     slog.Default().With("component", "broker"),
	}
}

func (c *Consumer) SetHandler(handler Handler) { c.handler = handler }

// Subscribe (re)registers every topic. Safe to call from an OnConnect
// callback after a reconnect, since clean sessions drop subscriptions.
func (c *Consumer) Subscribe() error {
	for _, topic := range c.topics {
		token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, m mqtt.Message) {
			if c.handler == nil {
				return
			}
			if err := c.handler(m.Topic(), m.Payload()); err != nil {
				c.log.Warn("handler error", "topic", m.Topic(), "err", err)
			}
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
		c.log.Debug("subscribed", "topic", topic)
	}
	return nil
}

// ConsumeMessage subscribes and blocks until ctx is done, then unsubscribes.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	if err := c.Subscribe(); err != nil {
		return err
	}
	<-ctx.Done()
	c.client.Unsubscribe(c.topics...).Wait()
	return nil
}
