package value

import (
	"sort"
	"strconv"
	"strings"
)

// maxDepth bounds the nested-container and _raw recursion.
const maxDepth = 4

// rawMetric is the metric name the backend uses for unparsed device payloads.
const rawMetric = "_raw"

// containers are searched, in order, when a key is not found at the top level.
var containers = []string{"values", "metrics", "data", "device_info"}

// aliasGroups lists domain synonyms. A key from a group also matches any
// other member of the same group; generic lists fallbacks tried last.
var aliasGroups = []struct {
	names   []string
	generic []string
}{
	{names: []string{"temperature", "temp", "tempC", "temp_c"}, generic: []string{"value"}},
	{names: []string{"humidity", "hum", "rh"}, generic: []string{"value"}},
	{names: []string{"battery", "bat", "batt", "battery_level"}},
	{names: []string{"image", "img", "picture", "snapshot", "photo"}},
	{names: []string{"pressure", "press", "pres"}},
	{names: []string{"status", "state"}},
}

var aliases = buildAliases()

func buildAliases() map[string][]string {
	out := make(map[string][]string)
	for _, g := range aliasGroups {
		for _, name := range g.names {
			key := strings.ToLower(name)
			for _, other := range g.names {
				if other != name {
					out[key] = append(out[key], other)
				}
			}
			out[key] = append(out[key], g.generic...)
		}
	}
	return out
}

// Extract pulls path out of payload. It never fails: anything it cannot
// resolve comes back as Unknown.
func Extract(payload Value, path string) Value {
	return extract(payload, strings.TrimSpace(path), 0)
}

// ExtractAny is Extract for already-decoded values.
func ExtractAny(payload any, path string) Value {
	return Extract(Of(payload), path)
}

func extract(payload Value, path string, depth int) Value {
	if payload.IsUnknown() || depth > maxDepth {
		return Value{}
	}
	if path == "" {
		return payload
	}

	if inner, ok := rawPayload(payload); ok {
		if v := extract(inner, path, depth+1); !v.IsUnknown() {
			return v
		}
	}

	rec, ok := payload.Record()
	if !ok {
		return Value{}
	}

	if v, ok := lookup(rec, path); ok {
		return v
	}

	if strings.Contains(path, ".") {
		if v, ok := walk(Of(rec), strings.Split(path, ".")); ok {
			return v
		}
	}

	for _, c := range containers {
		inner, ok := rec[c]
		if !ok {
			continue
		}
		if v := extract(Of(inner), path, depth+1); !v.IsUnknown() {
			return v
		}
	}
	return Value{}
}

// rawPayload detects an event-shaped record whose value is a JSON document
// (declared metric _raw, or a string value starting with '{') and parses it.
// A bare JSON string is parsed too.
func rawPayload(v Value) (Value, bool) {
	if s, ok := v.Any().(string); ok {
		if strings.HasPrefix(strings.TrimSpace(s), "{") {
			p := Parse(s)
			return p, !p.IsUnknown()
		}
		return Value{}, false
	}
	rec, ok := v.Record()
	if !ok {
		return Value{}, false
	}
	s, ok := rec["value"].(string)
	if !ok {
		return Value{}, false
	}
	metric, _ := rec["metric"].(string)
	if metric != rawMetric && !strings.HasPrefix(strings.TrimSpace(s), "{") {
		return Value{}, false
	}
	p := Parse(s)
	if _, isRec := p.Record(); !isRec {
		return Value{}, false
	}
	return p, true
}

// lookup resolves one key through exact, case-insensitive and alias matching.
func lookup(rec map[string]any, key string) (Value, bool) {
	if v, ok := lookupFold(rec, key); ok {
		return v, true
	}
	for _, alt := range aliases[strings.ToLower(key)] {
		if v, ok := lookupFold(rec, alt); ok {
			return v, true
		}
	}
	return Value{}, false
}

func lookupFold(rec map[string]any, key string) (Value, bool) {
	if v, ok := rec[key]; ok && v != nil {
		return Of(v), true
	}
	// deterministic when several keys differ only by case
	var match string
	found := false
	for k := range rec {
		if strings.EqualFold(k, key) && rec[k] != nil {
			if !found || k < match {
				match, found = k, true
			}
		}
	}
	if !found {
		return Value{}, false
	}
	return Of(rec[match]), true
}

// walk follows dotted segments, each segment resolved with lookup. Numeric
// segments index into lists.
func walk(cur Value, segments []string) (Value, bool) {
	for _, seg := range segments {
		if seg == "" {
			return Value{}, false
		}
		switch cur.Kind() {
		case Record:
			rec, _ := cur.Record()
			next, ok := lookup(rec, seg)
			if !ok {
				return Value{}, false
			}
			cur = next
		case List:
			l, _ := cur.List()
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(l) {
				return Value{}, false
			}
			cur = Of(l[i])
		default:
			return Value{}, false
		}
	}
	return cur, !cur.IsUnknown()
}

// Keys lists the top-level keys of a record in sorted order.
func Keys(v Value) []string {
	rec, ok := v.Record()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rec))
	for k := range rec {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
