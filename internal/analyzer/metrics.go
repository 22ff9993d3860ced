package analyzer

import (
	"fmt"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// MetricsAnalyzer extracts observations from OTLP metrics.
type MetricsAnalyzer struct{}

// NewMetricsAnalyzer creates a new metrics analyzer.
func NewMetricsAnalyzer() *MetricsAnalyzer {
	return &MetricsAnalyzer{}
}

// Analyze extracts observations from an OTLP metrics export request. Data
// points of histograms and summaries are weighted by their count.
func (a *MetricsAnalyzer) Analyze(req *colmetricspb.ExportMetricsServiceRequest) ([]models.Observation, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	c := &collector{signal: models.SignalMetrics}

	for _, resourceMetrics := range req.ResourceMetrics {
		resourceAttrs := extractAttributes(resourceMetrics.Resource.GetAttributes())
		serviceName := getServiceName(resourceAttrs)

		for _, scopeMetrics := range resourceMetrics.ScopeMetrics {
			for _, metric := range scopeMetrics.Metrics {
				a.analyzeMetric(c, metric, serviceName)
			}
		}
	}

	return c.out, nil
}

func (a *MetricsAnalyzer) analyzeMetric(c *collector, metric *metricspb.Metric, serviceName string) {
	switch data := metric.Data.(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range data.Gauge.DataPoints {
			c.observe(metric.Name, serviceName, extractAttributes(dp.Attributes), 0)
		}
	case *metricspb.Metric_Sum:
		for _, dp := range data.Sum.DataPoints {
			c.observe(metric.Name, serviceName, extractAttributes(dp.Attributes), 0)
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range data.Histogram.DataPoints {
			c.observe(metric.Name, serviceName, extractAttributes(dp.Attributes), float64(dp.Count))
		}
	case *metricspb.Metric_ExponentialHistogram:
		for _, dp := range data.ExponentialHistogram.DataPoints {
			c.observe(metric.Name, serviceName, extractAttributes(dp.Attributes), float64(dp.Count))
		}
	case *metricspb.Metric_Summary:
		for _, dp := range data.Summary.DataPoints {
			c.observe(metric.Name, serviceName, extractAttributes(dp.Attributes), float64(dp.Count))
		}
	}
}
