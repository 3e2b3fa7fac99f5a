package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/dashfeed/pkg/broker"
)

const DefaultTopicPrefix = "devices"

// Request is the command message published over MQTT.
type Request struct {
	RequestID string         `json:"request_id"`
	DeviceID  string         `json:"device_id"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp"`
}

// MQTTTransport publishes commands on <prefix>/<device>/command/<command>
// instead of calling the REST endpoint.
type MQTTTransport struct {
	publisher *broker.Publisher
	prefix    string
	now       func() time.Time
}

func NewMQTTTransport(p *broker.Publisher, prefix string) *MQTTTransport {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTTransport{publisher: p, prefix: prefix, now: time.Now}
}

func (t *MQTTTransport) Topic(deviceID, command string) string {
	return fmt.Sprintf("%s/%s/command/%s", t.prefix, deviceID, command)
}

func (t *MQTTTransport) SendCommand(ctx context.Context, deviceID, command string, params map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := Request{
		RequestID: uuid.NewString(),
		DeviceID:  deviceID,
		Command:   command,
		Params:    params,
		Timestamp: t.now().Unix(),
	}
	return t.publisher.PublishMessage(t.Topic(deviceID, command), req)
}
