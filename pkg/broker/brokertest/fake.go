// Package brokertest provides an in-memory mqtt.Client for tests.
package brokertest

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is an already completed mqtt.Token.
type Token struct{ Err error }

func (t Token) Wait() bool                     { return true }
func (t Token) WaitTimeout(time.Duration) bool { return true }
func (t Token) Error() error                   { return t.Err }

func (t Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Message is a delivered mqtt.Message.
type Message struct {
	TopicName string
	Body      []byte
}

func (m Message) Duplicate() bool   { return false }
func (m Message) Qos() byte         { return 0 }
func (m Message) Retained() bool    { return false }
func (m Message) Topic() string     { return m.TopicName }
func (m Message) MessageID() uint16 { return 0 }
func (m Message) Payload() []byte   { return m.Body }
func (m Message) Ack()              {}

// Published records one Publish call.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client routes Publish calls to matching subscriptions in process. Methods
// not overridden here panic through the nil embedded interface.
type Client struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	subs      map[string]mqtt.MessageHandler
	published []Published
	SubErr    error
	PubErr    error
}

func NewClient() *Client {
	return &Client{connected: true, subs: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) SetConnected(up bool) {
	c.mu.Lock()
	c.connected = up
	c.mu.Unlock()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Disconnect(uint) { c.SetConnected(false) }

func (c *Client) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubErr != nil {
		return Token{Err: c.SubErr}
	}
	c.subs[topic] = cb
	return Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return Token{}
}

func (c *Client) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	c.mu.Lock()
	if c.PubErr != nil {
		c.mu.Unlock()
		return Token{Err: c.PubErr}
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Payload: body})
	c.mu.Unlock()
	c.Deliver(topic, body)
	return Token{}
}

// Deliver hands a message to every subscription whose filter matches topic.
func (c *Client) Deliver(topic string, body []byte) {
	c.mu.Lock()
	var hs []mqtt.MessageHandler
	for filter, h := range c.subs {
		if Match(filter, topic) {
			hs = append(hs, h)
		}
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(c, Message{TopicName: topic, Body: body})
	}
}

func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	return out
}

// Match implements MQTT topic filter matching with + and #.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
