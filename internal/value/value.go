// Package value models payloads of unknown shape as a small sum type and
// extracts named fields out of them with the fallback chain the dashboard
// relies on: exact key, case-insensitive key, alias, dotted path and the
// well-known nested containers.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the variant held by a Value.
type Kind int

const (
	Unknown Kind = iota
	Scalar
	Record
	List
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Record:
		return "record"
	case List:
		return "list"
	default:
		return "unknown"
	}
}

// Value is a decoded payload fragment. The zero Value is Unknown.
type Value struct {
	raw   any
	known bool
}

// Of wraps a decoded JSON-like value. nil yields Unknown.
func Of(v any) Value {
	switch x := v.(type) {
	case nil:
		return Value{}
	case Value:
		return x
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return Value{raw: m, known: true}
	case map[string]float64:
		m := make(map[string]any, len(x))
		for k, f := range x {
			m[k] = f
		}
		return Value{raw: m, known: true}
	case []float64:
		l := make([]any, len(x))
		for i, f := range x {
			l[i] = f
		}
		return Value{raw: l, known: true}
	case []string:
		l := make([]any, len(x))
		for i, s := range x {
			l[i] = s
		}
		return Value{raw: l, known: true}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}
		}
	}
	return Value{raw: v, known: true}
}

// Parse decodes JSON text into a Value. Any decode error yields Unknown.
func Parse(text string) Value {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Value{}
	}
	return Of(v)
}

func (v Value) Kind() Kind {
	if !v.known {
		return Unknown
	}
	switch v.raw.(type) {
	case map[string]any:
		return Record
	case []any:
		return List
	default:
		return Scalar
	}
}

func (v Value) IsUnknown() bool { return !v.known }

// Any returns the wrapped value, nil for Unknown.
func (v Value) Any() any { return v.raw }

func (v Value) Record() (map[string]any, bool) {
	m, ok := v.raw.(map[string]any)
	return m, ok
}

func (v Value) List() ([]any, bool) {
	l, ok := v.raw.([]any)
	return l, ok
}

// Float converts numeric scalars and numeric strings.
func (v Value) Float() (float64, bool) { return Float(v.raw) }

// Text renders a scalar for display; records and lists are JSON encoded.
func (v Value) Text() string {
	switch x := v.raw.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

// Float converts a decoded scalar to float64. Booleans are not numbers here.
func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// IsScalar reports whether v is a JSON scalar (string, number, bool).
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, map[string]any, []any:
		return false
	}
	return true
}
