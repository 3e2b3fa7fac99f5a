package broker

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends messages on topics under a common prefix.
type Publisher struct {
	client mqtt.Client
	qos    byte
}

func NewPublisher(client mqtt.Client, qos byte) *Publisher {
	return &Publisher{client: client, qos: qos}
}

// Encode turns strings and byte slices into payloads as is and JSON-encodes
// everything else.
func Encode(message any) ([]byte, error) {
	switch m := message.(type) {
	case []byte:
		return m, nil
	case string:
		return []byte(m), nil
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return b, nil
}

// PublishMessage encodes message and publishes it on topic, waiting for the
// broker to accept it.
func (p *Publisher) PublishMessage(topic string, message any) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	if p.client == nil || !p.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	token := p.client.Publish(topic, p.qos, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}
	return nil
}
