package telemetry

import (
	"math"
	"sort"
	"strings"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
	"github.com/LeonardoBeccarini/dashfeed/internal/value"
)

const (
	// DefaultCap bounds a deduplicated non-image batch.
	DefaultCap = 50
	// ImageCap bounds an image batch, which skips dedup.
	ImageCap = 200
	// NearDuplicateWindow is how close (in seconds) two equal values must be
	// to count as the same sample.
	NearDuplicateWindow = 5

	minBase64Len = 100
)

// Normalize converts millisecond timestamps to seconds and sorts the points
// newest first. The input slice is not modified.
func Normalize(points []model.Point) []model.Point {
	out := make([]model.Point, len(points))
	for i, p := range points {
		p.Timestamp = model.NormalizeTimestamp(float64(p.Timestamp))
		out[i] = p
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// IsImage reports whether a point value carries an image: a data URI, a long
// base64 blob, or an object with a src/url field.
func IsImage(v any) bool {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "data:image/") {
			return true
		}
		return len(t) >= minBase64Len && isBase64(t)
	case map[string]any:
		for _, k := range []string{"src", "url"} {
			if s, ok := t[k].(string); ok && s != "" {
				return true
			}
		}
	}
	return false
}

func isBase64(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// IsImageBatch reports whether any point carries an image. A camera series
// can hold gaps or status values between frames.
func IsImageBatch(points []model.Point) bool {
	for _, p := range points {
		if IsImage(p.Value) {
			return true
		}
	}
	return false
}

// Dedupe expects points newest first. Image batches are only capped at
// ImageCap. Other batches drop points sharing a timestamp with a kept point
// and points whose value equals a kept point within NearDuplicateWindow, then
// are capped at max(DefaultCap, limit). Dedupe(Dedupe(x)) == Dedupe(x).
func Dedupe(points []model.Point, limit int) []model.Point {
	if IsImageBatch(points) {
		if len(points) > ImageCap {
			return append([]model.Point(nil), points[:ImageCap]...)
		}
		return append([]model.Point(nil), points...)
	}

	capN := DefaultCap
	if limit > capN {
		capN = limit
	}
	out := make([]model.Point, 0, min(len(points), capN))
	seen := make(map[int64]struct{}, len(points))
	for _, p := range points {
		if len(out) >= capN {
			break
		}
		if _, dup := seen[p.Timestamp]; dup {
			continue
		}
		if nearDuplicate(out, p) {
			continue
		}
		seen[p.Timestamp] = struct{}{}
		out = append(out, p)
	}
	return out
}

func nearDuplicate(kept []model.Point, p model.Point) bool {
	for i := len(kept) - 1; i >= 0; i-- {
		k := kept[i]
		d := k.Timestamp - p.Timestamp
		if d < 0 {
			d = -d
		}
		if d > NearDuplicateWindow {
			// kept is sorted, nothing older than this can be within the window
			if k.Timestamp > p.Timestamp {
				return false
			}
			continue
		}
		if sameValue(k.Value, p.Value) {
			return true
		}
	}
	return false
}

func sameValue(a, b any) bool {
	fa, okA := value.Float(a)
	fb, okB := value.Float(b)
	if okA && okB {
		return fa == fb
	}
	if okA != okB {
		return false
	}
	return value.Of(a).Text() == value.Of(b).Text()
}

// Merge inserts p into points (newest first), replacing a point with the same
// timestamp, then dedupes with the given limit.
func Merge(points []model.Point, p model.Point, limit int) []model.Point {
	p.Timestamp = model.NormalizeTimestamp(float64(p.Timestamp))
	out := make([]model.Point, 0, len(points)+1)
	inserted := false
	for _, q := range points {
		if q.Timestamp == p.Timestamp {
			continue
		}
		if !inserted && p.Timestamp > q.Timestamp {
			out = append(out, p)
			inserted = true
		}
		out = append(out, q)
	}
	if !inserted {
		out = append(out, p)
	}
	return Dedupe(out, limit)
}

// Aggregate reduces newest-first points. Raw returns every numeric value in
// order; the scalar aggregates return a single element, or nil when there is
// nothing numeric to aggregate. Count counts all points, numeric or not.
func Aggregate(points []model.Point, agg model.Aggregate) []float64 {
	if agg == model.AggCount {
		return []float64{float64(len(points))}
	}
	nums := make([]float64, 0, len(points))
	for _, p := range points {
		if f, ok := value.Float(p.Value); ok && !math.IsNaN(f) {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	switch agg {
	case model.AggRaw, "":
		return nums
	case model.AggLatest:
		return []float64{nums[0]}
	case model.AggFirst:
		return []float64{nums[len(nums)-1]}
	case model.AggDelta:
		return []float64{nums[0] - nums[len(nums)-1]}
	case model.AggAvg:
		return []float64{sum(nums) / float64(len(nums))}
	case model.AggSum:
		return []float64{sum(nums)}
	case model.AggMin:
		m := nums[0]
		for _, f := range nums[1:] {
			m = math.Min(m, f)
		}
		return []float64{m}
	case model.AggMax:
		m := nums[0]
		for _, f := range nums[1:] {
			m = math.Max(m, f)
		}
		return []float64{m}
	}
	return nums
}

func sum(fs []float64) float64 {
	var s float64
	for _, f := range fs {
		s += f
	}
	return s
}
