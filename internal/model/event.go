package model

import (
	"strings"
	"time"
)

// Backend event types the dashboard cares about.
const (
	EventDeviceOnline        = "DeviceOnline"
	EventDeviceOffline       = "DeviceOffline"
	EventDeviceMetric        = "DeviceMetric"
	EventDeviceCommandResult = "DeviceCommandResult"
)

// Event categories, as accepted by the backend's ?category= filter.
const (
	CategoryDevice    = "device"
	CategoryRule      = "rule"
	CategoryAlert     = "alert"
	CategoryAgent     = "agent"
	CategoryLLM       = "llm"
	CategoryWorkflow  = "workflow"
	CategoryExtension = "extension"
	CategoryOther     = "other"
)

// Envelope is one event as delivered by the push stream.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data"`
}

// Category maps the event type onto the backend's category names.
func (e Envelope) Category() string {
	t := e.Type
	switch t {
	case EventDeviceOnline, EventDeviceOffline, EventDeviceMetric, EventDeviceCommandResult:
		return CategoryDevice
	}
	switch {
	case strings.HasPrefix(t, "Device"):
		return CategoryDevice
	case strings.HasPrefix(t, "Rule"):
		return CategoryRule
	case strings.HasPrefix(t, "Alert"):
		return CategoryAlert
	case strings.HasPrefix(t, "Agent"):
		return CategoryAgent
	case strings.HasPrefix(t, "Llm"), strings.HasPrefix(t, "LLM"):
		return CategoryLLM
	case strings.HasPrefix(t, "Workflow"):
		return CategoryWorkflow
	case strings.HasPrefix(t, "Extension"):
		return CategoryExtension
	case t == "" && e.DeviceID() != "":
		return CategoryDevice
	}
	return CategoryOther
}

// DeviceID reads device_id, falling back to deviceId and id.
func (e Envelope) DeviceID() string {
	for _, k := range []string{"device_id", "deviceId", "id"} {
		if s, ok := e.Data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Metric is the declared metric name of a DeviceMetric event.
func (e Envelope) Metric() string {
	if s, ok := e.Data["metric"].(string); ok {
		return s
	}
	return ""
}

// Value returns data.value when present.
func (e Envelope) Value() (any, bool) {
	v, ok := e.Data["value"]
	return v, ok && v != nil
}

// EventTime is the sample time in epoch seconds: data.timestamp, then the
// envelope timestamp, then now.
func (e Envelope) EventTime(now time.Time) int64 {
	if ts, ok := toFloat(e.Data["timestamp"]); ok && ts > 0 {
		return NormalizeTimestamp(ts)
	}
	if e.Timestamp > 0 {
		return NormalizeTimestamp(float64(e.Timestamp))
	}
	return now.Unix()
}

// IsDeviceMetric reports whether the event carries a device metric sample.
// Some producers omit the type but still send device_id/metric/value.
func (e Envelope) IsDeviceMetric() bool {
	if e.Type != "" && e.Type != EventDeviceMetric {
		return false
	}
	_, hasValue := e.Data["value"]
	return e.DeviceID() != "" && e.Metric() != "" && hasValue
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
