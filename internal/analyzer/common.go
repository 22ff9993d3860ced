// Package analyzer turns OTLP export requests into sketch observations.
//
// Every attribute value of a data point, span or log record is observed in
// the sketch "<signal>.<name>.<key>", and the sorted attribute set (the
// series fingerprint) in "<signal>.<name>". Name and key segments are
// sanitized so they never contain dots of their own.
package analyzer

import (
	"fmt"
	"strconv"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// serviceKey is added to the fingerprint so identical label sets from
// different services count as different series.
const serviceKey = "service.name"

// getServiceName extracts service.name from resource attributes.
// Returns host.name as fallback, or "unknown".
func getServiceName(attrs map[string]string) string {
	if name, ok := attrs["service.name"]; ok && name != "" {
		return name
	}

	if name, ok := attrs["host.name"]; ok && name != "" {
		return name
	}

	return "unknown"
}

// extractAttributes converts OTLP KeyValue attributes to a map.
func extractAttributes(attrs []*commonpb.KeyValue) map[string]string {
	result := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		result[attr.Key] = attributeValueToString(attr.Value)
	}
	return result
}

// attributeValueToString converts an OTLP attribute value to string.
func attributeValueToString(value *commonpb.AnyValue) string {
	if value == nil {
		return ""
	}

	switch v := value.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(v.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(v.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(v.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return fmt.Sprintf("%x", v.BytesValue)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// collector accumulates observations for one export request.
type collector struct {
	signal string
	out    []models.Observation
}

// observe records attrs for the item called name. The weight applies to the
// fingerprint observation only; attribute values are plain updates.
func (c *collector) observe(name, service string, attrs map[string]string, weight float64) {
	base := models.SketchName(c.signal, models.SanitizeNameSegment(name))

	for key, value := range attrs {
		c.out = append(c.out, models.Observation{
			Sketch: models.SketchName(base, models.SanitizeNameSegment(key)),
			Value:  value,
		})
	}

	labels := attrs
	if service != "" {
		labels = make(map[string]string, len(attrs)+1)
		for k, v := range attrs {
			labels[k] = v
		}
		labels[serviceKey] = service
	}

	c.out = append(c.out, models.Observation{
		Sketch: base,
		Value:  models.SeriesFingerprint(labels),
		Weight: weight,
	})
}
