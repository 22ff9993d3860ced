// Package observability exposes Prometheus metrics for the sketch service.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sketchd"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so packages can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	updates   *prometheus.CounterVec
	merges    prometheus.Counter
	errors    *prometheus.CounterVec
	snapshots *prometheus.CounterVec
	ingested  *prometheus.CounterVec
}

// NewMetrics creates collectors on a fresh registry, so repeated calls (tests)
// never conflict.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Values added to sketches, by update kind.",
		}, []string{"kind"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge and union operations.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed sketch operations, by operation.",
		}, []string{"op"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_records_total",
			Help:      "Sketch records written to or read from storage.",
		}, []string{"direction"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otlp_observations_total",
			Help:      "Sketch observations extracted from OTLP exports, by signal.",
		}, []string{"signal"}),
	}

	m.registry.MustRegister(
		m.updates, m.merges, m.errors, m.snapshots, m.ingested,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterSketchGauge exposes the number of held sketches through fn.
func (m *Metrics) RegisterSketchGauge(fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sketches",
		Help:      "Number of sketches held in memory.",
	}, fn))
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer returns the underlying registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

// Updated records n plain or weighted updates.
func (m *Metrics) Updated(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.updates.WithLabelValues(kind).Add(float64(n))
}

// Merged records a merge or union.
func (m *Metrics) Merged() {
	if m == nil {
		return
	}
	m.merges.Inc()
}

// Failed records a failed operation.
func (m *Metrics) Failed(op string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(op).Inc()
}

// Snapshotted records n records moved in the given direction ("save" or "restore").
func (m *Metrics) Snapshotted(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.snapshots.WithLabelValues(direction).Add(float64(n))
}

// Ingested records n observations extracted from a signal.
func (m *Metrics) Ingested(signal string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ingested.WithLabelValues(signal).Add(float64(n))
}
