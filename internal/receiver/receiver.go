// Package receiver implements OTLP HTTP and gRPC endpoints that feed
// attribute values into sketches.
package receiver

import (
	"fmt"
	"log/slog"

	"github.com/fidde/cardinality_sketch/internal/analyzer"
	"github.com/fidde/cardinality_sketch/internal/observability"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Sink consumes observations. *registry.Registry implements it.
type Sink interface {
	Observe(observations []models.Observation) (int, error)
}

// pipeline is shared by both transports.
type pipeline struct {
	sink            Sink
	metricsAnalyzer *analyzer.MetricsAnalyzer
	tracesAnalyzer  *analyzer.TracesAnalyzer
	logsAnalyzer    *analyzer.LogsAnalyzer
	logger          *slog.Logger
	metrics         *observability.Metrics
}

func newPipeline(sink Sink, logger *slog.Logger, metrics *observability.Metrics) pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return pipeline{
		sink:            sink,
		metricsAnalyzer: analyzer.NewMetricsAnalyzer(),
		tracesAnalyzer:  analyzer.NewTracesAnalyzer(),
		logsAnalyzer:    analyzer.NewLogsAnalyzer(),
		logger:          logger,
		metrics:         metrics,
	}
}

// deliver hands observations to the sink. Observations the sink rejects
// (invalid names, sketch limit) are logged and counted as rejected; they
// never fail the export.
func (p *pipeline) deliver(signal string, obs []models.Observation) (rejected int) {
	applied, err := p.sink.Observe(obs)
	p.metrics.Ingested(signal, applied)

	rejected = len(obs) - applied
	if err != nil {
		p.logger.Warn("observations rejected", "signal", signal, "rejected", rejected, "error", err)
	}
	p.logger.Debug("ingested", "signal", signal, "observations", applied)
	return rejected
}

// rejectionMessage fills the OTLP partial-success message. Items are never
// dropped whole, so the rejected counters stay zero.
func rejectionMessage(rejected int) string {
	if rejected == 0 {
		return ""
	}
	return fmt.Sprintf("%d attribute observations rejected", rejected)
}
