package model

import (
	"fmt"
	"time"
)

// SourceKind discriminates the DataSource union.
type SourceKind string

const (
	KindStatic     SourceKind = "static"
	KindDevice     SourceKind = "device"
	KindMetric     SourceKind = "metric"
	KindCommand    SourceKind = "command"
	KindDeviceInfo SourceKind = "device-info"
	KindTelemetry  SourceKind = "telemetry"
	KindSystem     SourceKind = "system"
	KindComputed   SourceKind = "computed"
)

// Aggregate is the reduction applied to a telemetry window.
type Aggregate string

const (
	AggRaw    Aggregate = "raw"
	AggLatest Aggregate = "latest"
	AggFirst  Aggregate = "first"
	AggAvg    Aggregate = "avg"
	AggMin    Aggregate = "min"
	AggMax    Aggregate = "max"
	AggSum    Aggregate = "sum"
	AggDelta  Aggregate = "delta"
	AggCount  Aggregate = "count"
)

// Valid reports whether a is one of the known aggregates.
func (a Aggregate) Valid() bool {
	switch a {
	case AggRaw, AggLatest, AggFirst, AggAvg, AggMin, AggMax, AggSum, AggDelta, AggCount:
		return true
	}
	return false
}

// DataSource is one binding of a widget. Only the fields relevant to Kind are
// read; the rest stay zero.
type DataSource struct {
	Kind SourceKind `json:"type" yaml:"type"`

	Value any `json:"value,omitempty" yaml:"value,omitempty"` // static

	DeviceID     string `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`
	Property     string `json:"property,omitempty" yaml:"property,omitempty"`         // device, command
	MetricID     string `json:"metricId,omitempty" yaml:"metricId,omitempty"`         // metric, telemetry
	InfoProperty string `json:"infoProperty,omitempty" yaml:"infoProperty,omitempty"` // device-info

	Command      string         `json:"command,omitempty" yaml:"command,omitempty"`
	ValueMapping map[string]any `json:"valueMapping,omitempty" yaml:"valueMapping,omitempty"`
	FixedParams  map[string]any `json:"fixedParams,omitempty" yaml:"fixedParams,omitempty"`

	TimeRange float64   `json:"timeRange,omitempty" yaml:"timeRange,omitempty"` // hours
	Limit     int       `json:"limit,omitempty" yaml:"limit,omitempty"`
	Aggregate Aggregate `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`
	RawPoints bool      `json:"rawPoints,omitempty" yaml:"rawPoints,omitempty"`
	Refresh   int       `json:"refresh,omitempty" yaml:"refresh,omitempty"` // seconds

	Metric     string `json:"metric,omitempty" yaml:"metric,omitempty"` // system
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// IsAsync is true for sources filled by their own fetch loop rather than by
// the synchronous resolution pass.
func (s DataSource) IsAsync() bool {
	return s.Kind == KindTelemetry || s.Kind == KindSystem
}

// RefreshInterval is the configured poll period, or def when unset.
func (s DataSource) RefreshInterval(def time.Duration) time.Duration {
	if s.Refresh <= 0 {
		return def
	}
	return time.Duration(s.Refresh) * time.Second
}

// PropertyName is the field read from a device record for device and
// command sources.
func (s DataSource) PropertyName() string {
	if s.Property != "" {
		return s.Property
	}
	return s.MetricID
}

// Validate checks the fields required by Kind.
func (s DataSource) Validate() error {
	switch s.Kind {
	case KindStatic, KindComputed:
		if s.Kind == KindComputed && s.Expression == "" {
			return fmt.Errorf("computed source: empty expression")
		}
	case KindDevice:
		if s.DeviceID == "" {
			return fmt.Errorf("device source: missing deviceId")
		}
	case KindMetric:
		if s.MetricID == "" {
			return fmt.Errorf("metric source: missing metricId")
		}
	case KindCommand:
		if s.DeviceID == "" || s.Command == "" {
			return fmt.Errorf("command source: missing deviceId or command")
		}
	case KindDeviceInfo:
		if s.DeviceID == "" || s.InfoProperty == "" {
			return fmt.Errorf("device-info source: missing deviceId or infoProperty")
		}
	case KindTelemetry:
		if s.DeviceID == "" || s.MetricID == "" {
			return fmt.Errorf("telemetry source: missing deviceId or metricId")
		}
		if s.Aggregate != "" && !s.Aggregate.Valid() {
			return fmt.Errorf("telemetry source: unknown aggregate %q", s.Aggregate)
		}
	case KindSystem:
		if s.Metric == "" {
			return fmt.Errorf("system source: missing metric")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Kind)
	}
	return nil
}

// Descriptor is a widget's declared binding to one or more sources.
type Descriptor struct {
	ID               string       `json:"id" yaml:"id"`
	Title            string       `json:"title,omitempty" yaml:"title,omitempty"`
	Sources          []DataSource `json:"sources" yaml:"sources"`
	PreserveMultiple bool         `json:"preserveMultiple,omitempty" yaml:"preserveMultiple,omitempty"`
	Default          any          `json:"default,omitempty" yaml:"default,omitempty"`
}

// Validate checks the descriptor and all of its sources.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor: missing id")
	}
	if len(d.Sources) == 0 {
		return fmt.Errorf("descriptor %s: no sources", d.ID)
	}
	for i, s := range d.Sources {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("descriptor %s source %d: %w", d.ID, i, err)
		}
	}
	return nil
}

// AllAsync is true when every source is telemetry or system.
func (d Descriptor) AllAsync() bool {
	for _, s := range d.Sources {
		if !s.IsAsync() {
			return false
		}
	}
	return len(d.Sources) > 0
}
