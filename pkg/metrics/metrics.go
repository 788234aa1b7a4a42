// Package metrics exposes ingestion counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "milli_benchmark_uploader_"

// Outcome label values of reports_total.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeSinkFailed = "sink_failed"
	OutcomeSkipped    = "skipped"
)

type Metrics struct {
	registry           *prometheus.Registry
	reports            *prometheus.CounterVec
	errors             *prometheus.CounterVec
	runs               prometheus.Counter
	runsSkipped        prometheus.Counter
	provenanceFallback prometheus.Counter
	resolveDuration    prometheus.Histogram
}

// New registers the ingestion metrics on a registry of their own.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		reports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "reports_total",
			Help: "Number of reports processed grouped by outcome",
		}, []string{"outcome"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "errors_total",
			Help: "Number of failed reports grouped by error kind",
		}, []string{"kind"}),
		runs: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "runs_total",
			Help: "Number of sub-benchmark runs delivered",
		}),
		runsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "runs_skipped_total",
			Help: "Number of malformed sub-benchmarks left out of a submission",
		}),
		provenanceFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "provenance_fallbacks_total",
			Help: "Number of commits found in a fallback repository",
		}),
		resolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "provenance_resolve_seconds",
			Help:    "Time taken to resolve the provenance of a report",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
}

// Registry is what /metrics serves.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordReport(outcome string) {
	m.reports.With(map[string]string{"outcome": outcome}).Inc()
}

func (m *Metrics) RecordError(kind string) {
	m.errors.With(map[string]string{"kind": kind}).Inc()
}

func (m *Metrics) RecordRuns(delivered, skipped int) {
	m.runs.Add(float64(delivered))
	m.runsSkipped.Add(float64(skipped))
}

func (m *Metrics) RecordFallback() {
	m.provenanceFallback.Inc()
}

func (m *Metrics) RecordResolveTime(d time.Duration) {
	m.resolveDuration.Observe(d.Seconds())
}
