package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/pkg/broker"
	"github.com/LeonardoBeccarini/dashfeed/pkg/broker/brokertest"
)

type sent struct {
	device, command string
	params          map[string]any
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recorder) SendCommand(_ context.Context, deviceID, command string, params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{deviceID, command, params})
	return r.err
}

func TestMapInput(t *testing.T) {
	mapping := map[string]any{"on": "ON", "off": "OFF"}
	assert.Equal(t, "ON", MapInput(true, mapping))
	assert.Equal(t, "OFF", MapInput(false, mapping))
	assert.Equal(t, "ON", MapInput("on", mapping))
	assert.Equal(t, 42, MapInput(42, mapping))
	assert.Equal(t, true, MapInput(true, nil))

	assert.Equal(t, 1, MapInput(true, map[string]any{"true": 1}))
	assert.Equal(t, false, MapInput(false, map[string]any{"on": 1}), "no off key")
}

func TestParamsMergeFixed(t *testing.T) {
	src := model.DataSource{
		Kind: model.KindCommand, DeviceID: "d", Command: "relay",
		ValueMapping: map[string]any{"on": 1, "off": 0},
		FixedParams:  map[string]any{"channel": 2},
	}
	assert.Equal(t, map[string]any{"channel": 2, "value": 1}, Params(src, true))
	assert.Equal(t, map[string]any{"channel": 2}, Params(src, nil))
}

func TestSendIsFireAndForget(t *testing.T) {
	rec := &recorder{err: errors.New("backend down")}
	d := NewDispatcher(Config{Transport: rec})

	src := model.DataSource{Kind: model.KindCommand, DeviceID: "d", Command: "relay", ValueMapping: map[string]any{"on": "ON"}}
	assert.True(t, d.Send(context.Background(), src, true), "failures are not reported to the caller")
	d.Wait()

	require.Len(t, rec.sent, 1)
	assert.Equal(t, "d", rec.sent[0].device)
	assert.Equal(t, "relay", rec.sent[0].command)
	assert.Equal(t, "ON", rec.sent[0].params["value"])
}

func TestSendSurvivesCallerCancel(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(Config{Transport: rec})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, d.Send(ctx, model.DataSource{Kind: model.KindCommand, DeviceID: "d", Command: "c"}, 1))
	d.Wait()
	assert.Len(t, rec.sent, 1)
}

func TestSendRejectsNonCommand(t *testing.T) {
	d := NewDispatcher(Config{Transport: &recorder{}})
	assert.False(t, d.Send(context.Background(), model.DataSource{Kind: model.KindDevice, DeviceID: "d"}, true))
	assert.False(t, d.Send(context.Background(), model.DataSource{Kind: model.KindCommand, DeviceID: "d"}, true))
	assert.False(t, NewDispatcher(Config{}).Send(context.Background(), model.DataSource{Kind: model.KindCommand, DeviceID: "d", Command: "c"}, true))
}

func TestMQTTTransport(t *testing.T) {
	client := brokertest.NewClient()
	tr := NewMQTTTransport(broker.NewPublisher(client, 1), "")

	require.NoError(t, tr.SendCommand(context.Background(), "dev-1", "relay", map[string]any{"value": "ON"}))
	pubs := client.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "devices/dev-1/command/relay", pubs[0].Topic)

	var req Request
	require.NoError(t, json.Unmarshal(pubs[0].Payload, &req))
	assert.Equal(t, "dev-1", req.DeviceID)
	assert.Equal(t, map[string]any{"value": "ON"}, req.Params)
	_, err := uuid.Parse(req.RequestID)
	assert.NoError(t, err)

	client.SetConnected(false)
	assert.Error(t, tr.SendCommand(context.Background(), "dev-1", "relay", nil))
}
