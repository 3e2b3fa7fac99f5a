// Package command sends widget commands to devices. Sends are fire and
// forget: the device store only changes when the resulting metric event
// comes back through the event stream.
package command

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

const DefaultTimeout = 10 * time.Second

// Transport delivers one command to the backend.
type Transport interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]any) error
}

type Config struct {
	Transport Transport
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Dispatcher struct {
	transport Transport
	timeout   time.Duration
	metrics   *metrics.Metrics
	log       *slog.Logger
	wg        sync.WaitGroup
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		transport: cfg.Transport,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With("component", "command"),
	}
}

var ErrNotCommand = errors.New("source is not a command binding")

// Send maps input through the source's value mapping, merges the fixed
// params and dispatches in the background. It reports whether the command
// was handed off; the outcome is only logged.
func (d *Dispatcher) Send(ctx context.Context, src model.DataSource, input any) bool {
	if src.Kind != model.KindCommand || src.DeviceID == "" || src.Command == "" || d.transport == nil {
		d.log.Warn("command not sent", "err", ErrNotCommand, "type", src.Kind)
		return false
	}
	params := Params(src, input)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		err := d.transport.SendCommand(ctx, src.DeviceID, src.Command, params)
		d.metrics.Command(err == nil)
		if err != nil {
			d.log.Warn("command failed", "device", src.DeviceID, "command", src.Command, "err", err)
			return
		}
		d.log.Info("command sent", "device", src.DeviceID, "command", src.Command)
	}()
	return true
}

// Wait blocks until every dispatched command has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Params builds the command payload: the fixed params plus the mapped input
// under "value". A nil input (indeterminate) sends the fixed params alone.
func Params(src model.DataSource, input any) map[string]any {
	params := make(map[string]any, len(src.FixedParams)+1)
	for k, v := range src.FixedParams {
		params[k] = v
	}
	if v := MapInput(input, src.ValueMapping); v != nil {
		params["value"] = v
	}
	return params
}

// MapInput translates a logical switch state into the device's vocabulary.
// true looks up "on" then "true"; false looks up "off" then "false". The
// strings on/off/true/false count as the matching boolean. Anything unmapped
// passes through.
func MapInput(input any, mapping map[string]any) any {
	state, isBool := asBool(input)
	if !isBool || len(mapping) == 0 {
		return input
	}
	keys := []string{"off", "false"}
	if state {
		keys = []string{"on", "true"}
	}
	for _, k := range keys {
		if v, ok := mapping[k]; ok {
			return v
		}
	}
	return input
}

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true":
			return true, true
		case "off", "false":
			return false, true
		}
	}
	return false, false
}
