// Package binding keeps the live state of one widget: the latest value of
// each of its sources, the last combined value that was valid, and the error
// and staleness flags shown next to it. A binding never regresses to
// unknown: it falls back to the last valid value, then to the descriptor's
// default, then to the placeholder.
package binding

import (
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/resolver"
	"github.com/LeonardoBeccarini/dashfeed/internal/telemetry"
	"github.com/LeonardoBeccarini/dashfeed/internal/value"
)

// Snapshot is what a widget renders.
type Snapshot struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Value     any       `json:"value"`
	Sources   []any     `json:"sources"`
	Error     string    `json:"error,omitempty"`
	Stale     bool      `json:"stale"`
	Pending   bool      `json:"pending"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}

type Binding struct {
	desc model.Descriptor

	mu        sync.Mutex
	slots     []value.Value
	lastValid value.Value
	err       string
	stale     bool
	updated   time.Time
	version   uint64
	now       func() time.Time
}

func New(desc model.Descriptor) *Binding {
	return &Binding{
		desc:  desc,
		slots: make([]value.Value, len(desc.Sources)),
		now:   time.Now,
	}
}

func (b *Binding) ID() string                   { return b.desc.ID }
func (b *Binding) Descriptor() model.Descriptor { return b.desc }
func (b *Binding) Sources() []model.DataSource  { return b.desc.Sources }

// SetSlot stores the value of source i. Unknown values are ignored so a slot
// keeps its last known value.
func (b *Binding) SetSlot(i int, v value.Value) bool {
	if v.IsUnknown() || i < 0 || i >= len(b.desc.Sources) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[i] = v
	b.touch()
	return true
}

// Apply stores a synchronous resolution pass. Async slots and unknown values
// leave the previous slot value in place.
func (b *Binding) Apply(slots []resolver.Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for i, s := range slots {
		if i >= len(b.slots) || s.Async || s.Value.IsUnknown() {
			continue
		}
		b.slots[i] = s.Value
		changed = true
	}
	if changed {
		b.touch()
	}
}

// touch recomputes the last valid value; callers hold mu.
func (b *Binding) touch() {
	combined := b.combined()
	if !combined.IsUnknown() {
		b.lastValid = combined
	}
	b.updated = b.now()
	b.version++
}

func (b *Binding) combined() value.Value {
	slots := make([]resolver.Slot, len(b.slots))
	for i, v := range b.slots {
		slots[i] = resolver.Slot{Source: b.desc.Sources[i], Value: v}
	}
	return resolver.Combine(slots, b.desc.PreserveMultiple)
}

// SetError records a fetch failure; the current value stays on screen.
func (b *Binding) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.err = ""
		return
	}
	b.err = err.Error()
}

func (b *Binding) SetStale(stale bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stale = stale
}

// Value is the combined value after fallbacks: current, last valid, default,
// placeholder.
func (b *Binding) Value() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.display()
}

func (b *Binding) display() any {
	if v := b.combined(); !v.IsUnknown() {
		return v.Any()
	}
	if !b.lastValid.IsUnknown() {
		return b.lastValid.Any()
	}
	if b.desc.Default != nil {
		return b.desc.Default
	}
	return model.Placeholder
}

func (b *Binding) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	srcs := make([]any, len(b.slots))
	pending := b.version == 0
	for i, v := range b.slots {
		srcs[i] = v.Any()
	}
	return Snapshot{
		ID:        b.desc.ID,
		Title:     b.desc.Title,
		Value:     b.display(),
		Sources:   srcs,
		Error:     b.err,
		Stale:     b.stale,
		Pending:   pending,
		UpdatedAt: b.updated,
		Version:   b.version,
	}
}

// PushDependent reports whether any source is fed by push events.
func (b *Binding) PushDependent() bool {
	for _, s := range b.desc.Sources {
		switch s.Kind {
		case model.KindDevice, model.KindMetric, model.KindCommand, model.KindDeviceInfo, model.KindTelemetry:
			return true
		}
	}
	return false
}

// Devices lists the device ids the sources read, in source order, without
// repeats.
func (b *Binding) Devices() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range b.desc.Sources {
		id := s.DeviceID
		if s.Kind == model.KindMetric {
			if i := indexColon(s.MetricID); i > 0 {
				id = s.MetricID[:i]
			}
		}
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func indexColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// TelemetryValue converts a fetch result into the slot value for src: the
// point list when raw points were asked for or the series carries images,
// the sample list for the raw aggregate, the single figure otherwise.
func TelemetryValue(src model.DataSource, res telemetry.Result) value.Value {
	if src.RawPoints || telemetry.IsImageBatch(res.Raw) {
		if len(res.Raw) == 0 {
			return value.Value{}
		}
		pts := make([]any, len(res.Raw))
		for i, p := range res.Raw {
			pts[i] = map[string]any{"timestamp": p.Timestamp, "value": p.Value}
		}
		return value.Of(pts)
	}
	if len(res.Data) == 0 {
		return value.Value{}
	}
	agg := src.Aggregate
	if agg == "" || agg == model.AggRaw {
		return value.Of(res.Data)
	}
	return value.Of(res.Data[0])
}

// ApplyTelemetry routes a fetch result for key to every telemetry source
// across bindings that polls that key.
func ApplyTelemetry(bindings []*Binding, key string, res telemetry.Result) {
	for _, b := range bindings {
		for i, src := range b.desc.Sources {
			if src.Kind != model.KindTelemetry || telemetry.QueryFor(src).Key() != key {
				continue
			}
			b.SetSlot(i, TelemetryValue(src, res))
			b.SetError(res.Err)
		}
	}
}
