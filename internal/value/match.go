package value

import "strings"

// MetricMatches compares an event's metric name with the name a source is
// bound to, tolerating the inconsistencies producers have: case, a path
// prefix on either side ("values.image" vs "image") and '/' or '.' as the
// separator.
func MetricMatches(eventMetric, bound string) bool {
	a := normalizeMetric(eventMetric)
	b := normalizeMetric(bound)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a) {
		return true
	}
	return lastSegment(a) == lastSegment(b)
}

func normalizeMetric(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "/", ".")
	return strings.Trim(s, ".")
}

func lastSegment(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}
