package models

import (
	"maps"
	"slices"
	"strings"
)

// Signal names used as the first segment of ingested sketch names.
const (
	SignalMetrics = "metrics"
	SignalTraces  = "traces"
	SignalLogs    = "logs"
)

// Observation is one value destined for a named sketch. Weight 0 means a plain
// update.
type Observation struct {
	Sketch string
	Value  string
	Weight float64
}

// SketchName joins name segments with dots: SketchName("metrics", "up", "job").
func SketchName(parts ...string) string {
	return strings.Join(parts, ".")
}

// SeriesFingerprint renders a label set as "k1=v1,k2=v2" with keys sorted, so
// identical label sets map to the same sketch value regardless of order. The
// sketch hashes the result, so no extra hashing happens here.
//
// Example:
//
//	SeriesFingerprint(map[string]string{"status": "200", "method": "GET"})
//	// "method=GET,status=200"
func SeriesFingerprint(labels map[string]string) string {
	if len(labels) == 0 {
		return "constant" // Constant metric with no labels
	}

	var builder strings.Builder
	for i, key := range slices.Sorted(maps.Keys(labels)) {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(labels[key])
	}
	return builder.String()
}
