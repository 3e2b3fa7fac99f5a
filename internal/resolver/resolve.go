// Package resolver turns a widget's data sources plus the current device
// state into the value the widget shows.
package resolver

import (
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/store"
	"github.com/LeonardoBeccarini/dashfeed/internal/value"
)

// Slot is the resolution of one source. Async slots are left for the fetch
// loops and carry no value.
type Slot struct {
	Source model.DataSource
	Value  value.Value
	Async  bool
}

// Resolve runs the synchronous pass over sources, in order.
func Resolve(sources []model.DataSource, st store.State) []Slot {
	slots := make([]Slot, len(sources))
	for i, src := range sources {
		slots[i] = Slot{Source: src}
		m, ok := Matchers[src.Kind]
		if !ok || m.Pull == nil {
			slots[i].Async = src.IsAsync()
			continue
		}
		slots[i].Value = m.Pull(src, st)
	}
	return slots
}

// Pull resolves a single source; ok is false for async or unknown kinds.
func Pull(src model.DataSource, st store.State) (value.Value, bool) {
	m, found := Matchers[src.Kind]
	if !found || m.Pull == nil {
		return value.Value{}, false
	}
	return m.Pull(src, st), true
}

// FromEvent derives src's value from a pushed event when the event concerns
// it.
func FromEvent(src model.DataSource, env model.Envelope, st store.State) (value.Value, bool) {
	m, found := Matchers[src.Kind]
	if !found || m.Matches == nil || m.Push == nil {
		return value.Value{}, false
	}
	if !m.Matches(src, env, st) {
		return value.Value{}, false
	}
	v := m.Push(src, env)
	return v, !v.IsUnknown()
}

// Combine folds slot values into one widget value. A single slot yields its
// value. Several slots yield an ordered list: flattened (list values are
// spliced in, unknowns skipped) unless preserveMultiple, in which case each
// slot keeps its own position and unknowns stay as nil.
func Combine(slots []Slot, preserveMultiple bool) value.Value {
	if len(slots) == 1 {
		return slots[0].Value
	}
	if preserveMultiple {
		out := make([]any, len(slots))
		known := false
		for i, s := range slots {
			out[i] = s.Value.Any()
			known = known || !s.Value.IsUnknown()
		}
		if !known {
			return value.Value{}
		}
		return value.Of(out)
	}
	var out []any
	for _, s := range slots {
		switch s.Value.Kind() {
		case value.Unknown:
		case value.List:
			l, _ := s.Value.List()
			out = append(out, l...)
		default:
			out = append(out, s.Value.Any())
		}
	}
	if len(out) == 0 {
		return value.Value{}
	}
	return value.Of(out)
}

// Values collects the slot values in order.
func Values(slots []Slot) []value.Value {
	out := make([]value.Value, len(slots))
	for i, s := range slots {
		out[i] = s.Value
	}
	return out
}
