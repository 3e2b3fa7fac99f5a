package resolver

import (
	"sort"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/store"
	"github.com/LeonardoBeccarini/dashfeed/internal/value"
)

// Matcher is how one source kind is resolved. Pull reads the store for the
// synchronous pass; Matches and Push let the reconciler derive a value
// straight from an event. Kinds without Pull are resolved asynchronously by
// their own fetch loop.
type Matcher struct {
	Pull    func(src model.DataSource, st store.State) value.Value
	Matches func(src model.DataSource, env model.Envelope, st store.State) bool
	Push    func(src model.DataSource, env model.Envelope) value.Value
}

// Matchers is keyed by source kind. Shared by the resolver and the
// reconciler so push and pull agree on what a source reads.
var Matchers = map[model.SourceKind]Matcher{
	model.KindStatic: {
		Pull: func(src model.DataSource, _ store.State) value.Value { return value.Of(src.Value) },
	},
	model.KindComputed: {
		Pull: func(src model.DataSource, _ store.State) value.Value {
			v, err := Eval(src.Expression)
			if err != nil {
				return value.Of(0.0)
			}
			return value.Of(v)
		},
	},
	model.KindDevice: {
		Pull: pullDevice,
		Matches: func(src model.DataSource, env model.Envelope, st store.State) bool {
			if !env.IsDeviceMetric() || !sameDevice(st, src.DeviceID, env.DeviceID()) {
				return false
			}
			// a source bound to the whole record follows the store instead
			prop := src.PropertyName()
			return prop != "" && value.MetricMatches(env.Metric(), prop)
		},
		Push: func(src model.DataSource, env model.Envelope) value.Value {
			return pushMetric(env, src.PropertyName())
		},
	},
	model.KindMetric: {
		Pull: pullMetric,
		Matches: func(src model.DataSource, env model.Envelope, st store.State) bool {
			if !env.IsDeviceMetric() {
				return false
			}
			dev, metric := splitMetricID(src.MetricID)
			if dev != "" && !sameDevice(st, dev, env.DeviceID()) {
				return false
			}
			return value.MetricMatches(env.Metric(), metric)
		},
		Push: func(src model.DataSource, env model.Envelope) value.Value {
			_, metric := splitMetricID(src.MetricID)
			return pushMetric(env, metric)
		},
	},
	model.KindCommand: {
		Pull: func(src model.DataSource, st store.State) value.Value {
			rec, ok := st.Lookup(src.DeviceID)
			if !ok {
				return value.Value{}
			}
			v := value.ExtractAny(rec.CurrentValues, commandProperty(src))
			if v.IsUnknown() {
				return v
			}
			return value.Of(ReverseMap(v.Any(), src.ValueMapping))
		},
		Matches: func(src model.DataSource, env model.Envelope, st store.State) bool {
			return env.IsDeviceMetric() &&
				sameDevice(st, src.DeviceID, env.DeviceID()) &&
				value.MetricMatches(env.Metric(), commandProperty(src))
		},
		Push: func(src model.DataSource, env model.Envelope) value.Value {
			v := pushMetric(env, commandProperty(src))
			if v.IsUnknown() {
				return v
			}
			return value.Of(ReverseMap(v.Any(), src.ValueMapping))
		},
	},
	model.KindDeviceInfo: {
		Pull: func(src model.DataSource, st store.State) value.Value {
			rec, ok := st.Lookup(src.DeviceID)
			if !ok {
				return value.Value{}
			}
			return DeviceInfo(rec, src.InfoProperty)
		},
		Matches: func(src model.DataSource, env model.Envelope, st store.State) bool {
			if !sameDevice(st, src.DeviceID, env.DeviceID()) {
				return false
			}
			if isPresence(env) {
				return presenceInfo[strings.ToLower(src.InfoProperty)]
			}
			return env.IsDeviceMetric() && value.MetricMatches(env.Metric(), src.InfoProperty)
		},
		Push: func(src model.DataSource, env model.Envelope) value.Value {
			if isPresence(env) {
				online := env.Type == model.EventDeviceOnline
				switch strings.ToLower(src.InfoProperty) {
				case "online":
					return value.Of(online)
				case "status":
					if online {
						return value.Of(model.StatusOnline)
					}
					return value.Of(model.StatusOffline)
				case "last_seen":
					return value.Of(env.EventTime(time.Now()))
				}
				return value.Value{}
			}
			return pushMetric(env, src.InfoProperty)
		},
	},
	model.KindTelemetry: {
		Matches: func(src model.DataSource, env model.Envelope, st store.State) bool {
			return env.IsDeviceMetric() &&
				sameDevice(st, src.DeviceID, env.DeviceID()) &&
				value.MetricMatches(env.Metric(), src.MetricID)
		},
		Push: func(src model.DataSource, env model.Envelope) value.Value {
			return pushMetric(env, src.MetricID)
		},
	},
	model.KindSystem: {},
}

// presenceInfo lists the device-info properties a presence event updates.
var presenceInfo = map[string]bool{"online": true, "status": true, "last_seen": true}

func isPresence(env model.Envelope) bool {
	return env.Type == model.EventDeviceOnline || env.Type == model.EventDeviceOffline
}

// sameDevice reports whether the event's device is the one the source names,
// either directly or through the record's id/device_id pair.
func sameDevice(st store.State, bound, eventDevice string) bool {
	if bound == "" || eventDevice == "" {
		return false
	}
	if bound == eventDevice {
		return true
	}
	rec, ok := st.Lookup(bound)
	return ok && rec.Matches(eventDevice)
}

func commandProperty(src model.DataSource) string {
	if p := src.PropertyName(); p != "" {
		return p
	}
	return src.Command
}

// splitMetricID splits the "device:metric" form. A plain metric id has no
// device part.
func splitMetricID(id string) (device, metric string) {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}

func pullDevice(src model.DataSource, st store.State) value.Value {
	rec, ok := st.Lookup(src.DeviceID)
	if !ok {
		return value.Value{}
	}
	prop := src.PropertyName()
	if prop == "" {
		return value.Of(rec.CurrentValues)
	}
	if v := value.ExtractAny(rec.CurrentValues, prop); !v.IsUnknown() {
		return v
	}
	return DeviceInfo(rec, prop)
}

func pullMetric(src model.DataSource, st store.State) value.Value {
	dev, metric := splitMetricID(src.MetricID)
	if dev != "" {
		rec, ok := st.Lookup(dev)
		if !ok {
			return value.Value{}
		}
		return value.ExtractAny(rec.CurrentValues, metric)
	}
	ids := make([]string, 0, len(st.Devices))
	for id := range st.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if v := value.ExtractAny(st.Devices[id].CurrentValues, metric); !v.IsUnknown() {
			return v
		}
	}
	return value.Value{}
}

// pushMetric reads the event value for a source bound to prop. When the event
// carries a record (a whole payload) the bound property is extracted from it.
func pushMetric(env model.Envelope, prop string) value.Value {
	raw, ok := env.Value()
	if !ok {
		return value.Value{}
	}
	v := value.Of(raw)
	if v.Kind() == value.Scalar {
		text := strings.TrimSpace(v.Text())
		if !strings.HasPrefix(text, "{") {
			return v
		}
		parsed := value.Parse(text)
		if parsed.IsUnknown() {
			return v
		}
		v = parsed
	}
	if prop == "" || strings.EqualFold(prop, "_raw") {
		return v
	}
	if got := value.Extract(v, prop); !got.IsUnknown() {
		return got
	}
	if i := strings.LastIndexAny(prop, "./"); i >= 0 {
		if got := value.Extract(v, prop[i+1:]); !got.IsUnknown() {
			return got
		}
	}
	return v
}

// DeviceInfo reads a record-level property: identity, presence and type
// fields, falling back to current_values.
func DeviceInfo(rec *model.DeviceRecord, prop string) value.Value {
	switch strings.ToLower(prop) {
	case "id":
		return value.Of(rec.ID)
	case "device_id", "deviceid":
		if rec.DeviceID != "" {
			return value.Of(rec.DeviceID)
		}
		return value.Of(rec.ID)
	case "name":
		return nonEmpty(rec.Name)
	case "device_type", "type", "devicetype":
		return nonEmpty(rec.DeviceType)
	case "status":
		if rec.Status != "" {
			return value.Of(rec.Status)
		}
		if rec.Online {
			return value.Of(model.StatusOnline)
		}
		return value.Of(model.StatusOffline)
	case "online":
		return value.Of(rec.Online)
	case "last_seen", "lastseen":
		if rec.LastSeen == 0 {
			return value.Value{}
		}
		return value.Of(rec.LastSeen)
	}
	return value.ExtractAny(rec.CurrentValues, prop)
}

func nonEmpty(s string) value.Value {
	if s == "" {
		return value.Value{}
	}
	return value.Of(s)
}

// ReverseMap turns a device-side value back into the switch state using the
// command's valueMapping: a value equal to mapping["on"] (or ["true"]) is
// true, equal to mapping["off"] is false. Unmapped values pass through.
func ReverseMap(v any, mapping map[string]any) any {
	if len(mapping) == 0 {
		return v
	}
	for _, k := range []string{"on", "true"} {
		if m, ok := mapping[k]; ok && looselyEqual(m, v) {
			return true
		}
	}
	for _, k := range []string{"off", "false"} {
		if m, ok := mapping[k]; ok && looselyEqual(m, v) {
			return false
		}
	}
	return v
}

func looselyEqual(a, b any) bool {
	fa, okA := value.Float(a)
	fb, okB := value.Float(b)
	if okA && okB {
		return fa == fb
	}
	return value.Of(a).Text() == value.Of(b).Text()
}
