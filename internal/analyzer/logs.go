package analyzer

import (
	"fmt"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// LogsAnalyzer extracts observations from OTLP logs.
type LogsAnalyzer struct{}

// NewLogsAnalyzer creates a new logs analyzer.
func NewLogsAnalyzer() *LogsAnalyzer {
	return &LogsAnalyzer{}
}

// Analyze extracts observations from an OTLP logs export request. Records are
// grouped by severity text ("UNSET" when empty) and weighted by body length.
func (a *LogsAnalyzer) Analyze(req *collogspb.ExportLogsServiceRequest) ([]models.Observation, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	c := &collector{signal: models.SignalLogs}

	for _, resourceLogs := range req.ResourceLogs {
		resourceAttrs := extractAttributes(resourceLogs.Resource.GetAttributes())
		serviceName := getServiceName(resourceAttrs)

		for _, scopeLogs := range resourceLogs.ScopeLogs {
			for _, logRecord := range scopeLogs.LogRecords {
				severityText := logRecord.SeverityText
				if severityText == "" {
					severityText = "UNSET"
				}

				body := attributeValueToString(logRecord.GetBody())
				c.observe(severityText, serviceName, extractAttributes(logRecord.Attributes), float64(len(body)))
			}
		}
	}

	return c.out, nil
}
