package model

import "time"

// millisThreshold separates second and millisecond epoch timestamps.
const millisThreshold = 10_000_000_000

// Point is one telemetry sample. The backend returns points newest first.
type Point struct {
	Timestamp int64 `json:"timestamp"` // epoch seconds
	Value     any   `json:"value"`
}

// NormalizeTimestamp turns a seconds-or-milliseconds epoch into seconds.
func NormalizeTimestamp(ts float64) int64 {
	if ts > millisThreshold {
		return int64(ts / 1000)
	}
	return int64(ts)
}

// Time returns the sample time in UTC.
func (p Point) Time() time.Time { return time.Unix(p.Timestamp, 0).UTC() }
