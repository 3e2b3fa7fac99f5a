// Package upstream is the REST client for the device backend. Every endpoint
// sits behind its own circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
)

// Endpoint names, also used as breaker names.
const (
	EndpointDevice    = "device-current"
	EndpointTelemetry = "telemetry"
	EndpointSystem    = "system-stats"
	EndpointCommand   = "command"
)

type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration

	BreakerFailures int
	BreakerOpenFor  time.Duration
	BreakerInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the backend's REST API.
type Client struct {
	base     string
	http     *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	log      *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = telemetry.DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	c := &Client{
		base:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:     cfg.HTTPClient,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      cfg.Logger.With("component", "upstream"),
	}
	for _, name := range []string{EndpointDevice, EndpointTelemetry, EndpointSystem, EndpointCommand} {
		c.breakers[name] = c.newBreaker(name, cfg)
	}
	return c
}

func (c *Client) newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	fails := cfg.BreakerFailures
	if fails < 1 {
		fails = 5
	}
	openFor := cfg.BreakerOpenFor
	if openFor <= 0 {
		openFor = 10 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.BreakerInterval,
		Timeout:  openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
		},
	})
}

// BreakerState reports the state of an endpoint's breaker.
func (c *Client) BreakerState(endpoint string) gobreaker.State {
	if cb, ok := c.breakers[endpoint]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// BreakerStates maps every endpoint to its breaker state name.
func (c *Client) BreakerStates() map[string]string {
	out := make(map[string]string, len(c.breakers))
	for name, cb := range c.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// statusError is a non-2xx answer.
type statusError struct {
	endpoint string
	code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s upstream status %d", e.endpoint, e.code)
}

func (c *Client) call(ctx context.Context, endpoint, method, path string, body, out any) error {
	if c.base == "" {
		return errs.Transient("upstream", endpoint, errors.New("backend url not configured"))
	}
	_, err := c.breakers[endpoint].Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, endpoint, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.Transient("upstream", endpoint, fmt.Errorf("%s breaker open: %w", endpoint, err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s encode error: %w", endpoint, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%s request error: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request error: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{endpoint: endpoint, code: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Malformed("upstream", endpoint, fmt.Errorf("%s decode error: %w", endpoint, err))
	}
	return nil
}

type currentResponse struct {
	Device  map[string]any `json:"device"`
	Metrics map[string]any `json:"metrics"`
}

// DeviceCurrent loads GET /api/devices/{id}/current into a record. Metric
// entries of the form {"value": x} are flattened into current_values.
func (c *Client) DeviceCurrent(ctx context.Context, id string) (model.DeviceRecord, error) {
	var resp currentResponse
	path := "/api/devices/" + url.PathEscape(id) + "/current"
	if err := c.call(ctx, EndpointDevice, http.MethodGet, path, nil, &resp); err != nil {
		return model.DeviceRecord{}, err
	}
	rec := recordFrom(resp.Device)
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.CurrentValues == nil {
		rec.CurrentValues = map[string]any{}
	}
	for name, m := range resp.Metrics {
		if inner, ok := m.(map[string]any); ok {
			if v, ok := inner["value"]; ok {
				rec.CurrentValues[name] = v
				continue
			}
		}
		rec.CurrentValues[name] = m
	}
	return rec, nil
}

func recordFrom(m map[string]any) model.DeviceRecord {
	str := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	rec := model.DeviceRecord{
		ID:         str("id"),
		DeviceID:   str("device_id", "deviceId"),
		Name:       str("name"),
		DeviceType: str("device_type", "type"),
		Status:     str("status"),
	}
	if b, ok := m["online"].(bool); ok {
		rec.Online = b
	} else {
		rec.Online = rec.Status == model.StatusOnline
	}
	if ts, ok := m["last_seen"].(float64); ok && ts > 0 {
		rec.LastSeen = model.NormalizeTimestamp(ts)
	}
	if cv, ok := m["current_values"].(map[string]any); ok {
		rec.CurrentValues = cv
	}
	return rec
}

type rawPoint struct {
	Timestamp float64 `json:"timestamp"`
	Value     any     `json:"value"`
}

type telemetryResponse struct {
	Data map[string][]rawPoint `json:"data"`
}

// Telemetry implements telemetry.Backend over
// GET /api/devices/{id}/telemetry.
func (c *Client) Telemetry(ctx context.Context, req telemetry.Request) ([]model.Point, error) {
	q := url.Values{}
	q.Set("metric", req.Metric)
	q.Set("start", strconv.FormatInt(req.Start.Unix(), 10))
	q.Set("end", strconv.FormatInt(req.End.Unix(), 10))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	path := "/api/devices/" + url.PathEscape(req.DeviceID) + "/telemetry?" + q.Encode()

	var resp telemetryResponse
	if err := c.call(ctx, EndpointTelemetry, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	raw, ok := resp.Data[req.Metric]
	if !ok && len(resp.Data) == 1 {
		for _, pts := range resp.Data {
			raw = pts
		}
	}
	out := make([]model.Point, 0, len(raw))
	for _, p := range raw {
		out = append(out, model.Point{Timestamp: model.NormalizeTimestamp(p.Timestamp), Value: p.Value})
	}
	return out, nil
}

// SystemStats implements telemetry.StatsBackend over GET /api/stats/system.
// The stats may come bare or wrapped in {"system": {...}}.
func (c *Client) SystemStats(ctx context.Context) (model.SystemStats, error) {
	var raw map[string]json.RawMessage
	if err := c.call(ctx, EndpointSystem, http.MethodGet, "/api/stats/system", nil, &raw); err != nil {
		return model.SystemStats{}, err
	}
	body, err := json.Marshal(raw)
	if inner, ok := raw["system"]; ok {
		body, err = inner, nil
	}
	var stats model.SystemStats
	if err == nil {
		err = json.Unmarshal(body, &stats)
	}
	if err != nil {
		return model.SystemStats{}, errs.Malformed("upstream", EndpointSystem, err)
	}
	return stats, nil
}

// SendCommand posts params to /api/devices/{id}/command/{command}.
func (c *Client) SendCommand(ctx context.Context, deviceID, command string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	path := "/api/devices/" + url.PathEscape(deviceID) + "/command/" + url.PathEscape(command)
	return c.call(ctx, EndpointCommand, http.MethodPost, path, params, nil)
}
