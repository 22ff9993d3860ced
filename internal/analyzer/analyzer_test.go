package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

func kv(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func resource(service string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{kv("service.name", service)}}
}

// bySketch groups observations by sketch name.
func bySketch(obs []models.Observation) map[string][]models.Observation {
	out := make(map[string][]models.Observation)
	for _, o := range obs {
		out[o.Sketch] = append(out[o.Sketch], o)
	}
	return out
}

func TestMetricsAnalyzer(t *testing.T) {
	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: resource("api"),
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Metrics: []*metricspb.Metric{
					{
						Name: "http.requests",
						Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
							DataPoints: []*metricspb.NumberDataPoint{
								{Attributes: []*commonpb.KeyValue{kv("method", "GET"), kv("status", "200")}},
								{Attributes: []*commonpb.KeyValue{kv("method", "POST"), kv("status", "200")}},
							},
						}},
					},
					{
						Name: "latency",
						Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
							DataPoints: []*metricspb.HistogramDataPoint{
								{Count: 12, Attributes: []*commonpb.KeyValue{kv("route", "/users")}},
							},
						}},
					},
				},
			}},
		}},
	}

	obs, err := NewMetricsAnalyzer().Analyze(req)
	require.NoError(t, err)

	groups := bySketch(obs)
	require.Len(t, groups["metrics.http_requests.method"], 2)
	assert.Equal(t, "GET", groups["metrics.http_requests.method"][0].Value)
	require.Len(t, groups["metrics.http_requests"], 2)
	assert.Equal(t, "method=GET,service.name=api,status=200", groups["metrics.http_requests"][0].Value)
	assert.Zero(t, groups["metrics.http_requests"][0].Weight)

	require.Len(t, groups["metrics.latency"], 1)
	assert.Equal(t, 12.0, groups["metrics.latency"][0].Weight)
	assert.Len(t, groups["metrics.latency.route"], 1)

	for name := range groups {
		assert.NoError(t, models.ValidateSketchName(name), name)
	}

	_, err = NewMetricsAnalyzer().Analyze(nil)
	assert.Error(t, err)
}

func TestTracesAnalyzer(t *testing.T) {
	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: resource("checkout"),
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					Name:              "GET /cart",
					Kind:              tracepb.Span_SPAN_KIND_SERVER,
					StartTimeUnixNano: 1_000_000_000,
					EndTimeUnixNano:   1_250_000_000,
					Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR},
					Attributes:        []*commonpb.KeyValue{kv("user.id", "42")},
					Events: []*tracepb.Span_Event{{
						Name:       "exception",
						Attributes: []*commonpb.KeyValue{kv("exception.type", "io")},
					}},
				}},
			}},
		}},
	}

	obs, err := NewTracesAnalyzer().Analyze(req)
	require.NoError(t, err)

	groups := bySketch(obs)
	require.Len(t, groups["traces.GET_/cart"], 1)
	assert.Equal(t, 250.0, groups["traces.GET_/cart"][0].Weight)
	assert.Equal(t, "42", groups["traces.GET_/cart.user_id"][0].Value)
	assert.Equal(t, "Server", groups["traces.GET_/cart.span_kind"][0].Value)
	assert.Equal(t, "ERROR", groups["traces.GET_/cart.status_code"][0].Value)
	assert.Equal(t, "io", groups["traces.GET_/cart.exception.exception_type"][0].Value)
}

func TestSpanDurationMillis(t *testing.T) {
	assert.Zero(t, spanDurationMillis(&tracepb.Span{}))
	assert.Zero(t, spanDurationMillis(&tracepb.Span{StartTimeUnixNano: 10, EndTimeUnixNano: 5}))
	assert.Equal(t, 1.5, spanDurationMillis(&tracepb.Span{StartTimeUnixNano: 1, EndTimeUnixNano: 1_500_001}))
}

func TestLogsAnalyzer(t *testing.T) {
	body := &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "user logged in"}}
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: resource("auth"),
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{
					{SeverityText: "INFO", Body: body, Attributes: []*commonpb.KeyValue{kv("user", "a")}},
					{Attributes: []*commonpb.KeyValue{kv("user", "b")}},
				},
			}},
		}},
	}

	obs, err := NewLogsAnalyzer().Analyze(req)
	require.NoError(t, err)

	groups := bySketch(obs)
	require.Len(t, groups["logs.INFO"], 1)
	assert.Equal(t, float64(len("user logged in")), groups["logs.INFO"][0].Weight)
	assert.Equal(t, "a", groups["logs.INFO.user"][0].Value)

	require.Len(t, groups["logs.UNSET"], 1)
	assert.Zero(t, groups["logs.UNSET"][0].Weight)
}
