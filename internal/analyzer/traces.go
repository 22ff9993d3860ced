package analyzer

import (
	"fmt"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Span kind and status are observed like attributes under these keys.
const (
	spanKindKey   = "span.kind"
	spanStatusKey = "status.code"
)

// TracesAnalyzer extracts observations from OTLP traces.
type TracesAnalyzer struct{}

// NewTracesAnalyzer creates a new traces analyzer.
func NewTracesAnalyzer() *TracesAnalyzer {
	return &TracesAnalyzer{}
}

// Analyze extracts observations from an OTLP traces export request. Spans are
// keyed by name and weighted by their duration in milliseconds. Event
// attributes are observed under "traces.<span>.<event>.<key>".
func (a *TracesAnalyzer) Analyze(req *coltracepb.ExportTraceServiceRequest) ([]models.Observation, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	c := &collector{signal: models.SignalTraces}

	for _, resourceSpans := range req.ResourceSpans {
		resourceAttrs := extractAttributes(resourceSpans.Resource.GetAttributes())
		serviceName := getServiceName(resourceAttrs)

		for _, scopeSpans := range resourceSpans.ScopeSpans {
			for _, span := range scopeSpans.Spans {
				attrs := extractAttributes(span.Attributes)
				attrs[spanKindKey] = getSpanKind(span.Kind)
				if span.Status != nil {
					attrs[spanStatusKey] = getStatusCodeName(span.Status.Code)
				}

				c.observe(span.Name, serviceName, attrs, spanDurationMillis(span))

				// Events share the span's sketch namespace.
				for _, event := range span.Events {
					name := models.SketchName(models.SanitizeNameSegment(span.Name), models.SanitizeNameSegment(event.Name))
					for key, value := range extractAttributes(event.Attributes) {
						c.out = append(c.out, models.Observation{
							Sketch: models.SketchName(models.SignalTraces, name, models.SanitizeNameSegment(key)),
							Value:  value,
						})
					}
				}
			}
		}
	}

	return c.out, nil
}

// spanDurationMillis returns the span duration, or 0 when the timestamps are
// missing or out of order.
func spanDurationMillis(span *tracepb.Span) float64 {
	if span.StartTimeUnixNano == 0 || span.EndTimeUnixNano <= span.StartTimeUnixNano {
		return 0
	}
	return float64(span.EndTimeUnixNano-span.StartTimeUnixNano) / 1e6
}

// getSpanKind converts OTLP span kind to string.
func getSpanKind(kind tracepb.Span_SpanKind) string {
	switch kind {
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return "Internal"
	case tracepb.Span_SPAN_KIND_SERVER:
		return "Server"
	case tracepb.Span_SPAN_KIND_CLIENT:
		return "Client"
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return "Producer"
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return "Consumer"
	default:
		return "Unspecified"
	}
}

// getStatusCodeName converts OTLP status code to string.
func getStatusCodeName(code tracepb.Status_StatusCode) string {
	switch code {
	case tracepb.Status_STATUS_CODE_OK:
		return "OK"
	case tracepb.Status_STATUS_CODE_ERROR:
		return "ERROR"
	default:
		return "UNSET"
	}
}
