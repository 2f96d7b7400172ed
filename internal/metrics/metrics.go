// Package metrics provides Prometheus metrics for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for pipeline runs and
// classification.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Run metrics
	runsTotal          *prometheus.CounterVec
	runDurationSeconds prometheus.Histogram
	lastRunTimestamp   prometheus.Gauge

	// Stage metrics
	stageDurationSeconds *prometheus.HistogramVec
	stageFailuresTotal   *prometheus.CounterVec

	// Record metrics
	recordsTotal          *prometheus.CounterVec
	classificationScore   prometheus.Histogram
	catalogCacheLookups   *prometheus.CounterVec
	historySnapshotsGauge prometheus.Gauge
}

// NewPipelineMetrics creates and registers pipeline metrics on registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the registry the metrics are registered on.
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PipelineMetrics) initMetrics() {
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referent_runs_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"status"}, // status: succeeded, failed, lock_held
	)

	m.runDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "referent_run_duration_seconds",
		Help:    "Wall time of pipeline runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	m.lastRunTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "referent_last_run_timestamp_seconds",
		Help: "Unix time the last pipeline run finished",
	})

	m.stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referent_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"stage"},
	)

	m.stageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referent_stage_failures_total",
			Help: "Total number of stage failures by error kind",
		},
		[]string{"stage", "kind"},
	)

	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referent_records_total",
			Help: "Records processed by outcome",
		},
		[]string{"outcome"}, // outcome: new, known, invalid_code, referent
	)

	m.classificationScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "referent_classification_confidence",
		Help:    "Confidence of classified new records",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	m.catalogCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referent_catalog_cache_lookups_total",
			Help: "Catalog embedding cache lookups by result",
		},
		[]string{"result"}, // result: hit, miss
	)

	m.historySnapshotsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "referent_history_snapshots",
		Help: "Snapshots awaiting consolidation",
	})
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.runsTotal.Describe(ch)
	m.runDurationSeconds.Describe(ch)
	m.lastRunTimestamp.Describe(ch)
	m.stageDurationSeconds.Describe(ch)
	m.stageFailuresTotal.Describe(ch)
	m.recordsTotal.Describe(ch)
	m.classificationScore.Describe(ch)
	m.catalogCacheLookups.Describe(ch)
	m.historySnapshotsGauge.Describe(ch)
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.runsTotal.Collect(ch)
	m.runDurationSeconds.Collect(ch)
	m.lastRunTimestamp.Collect(ch)
	m.stageDurationSeconds.Collect(ch)
	m.stageFailuresTotal.Collect(ch)
	m.recordsTotal.Collect(ch)
	m.classificationScore.Collect(ch)
	m.catalogCacheLookups.Collect(ch)
	m.historySnapshotsGauge.Collect(ch)
}

// RecordRun records a finished run.
func (m *PipelineMetrics) RecordRun(status string, d time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	if status != "lock_held" {
		m.runDurationSeconds.Observe(d.Seconds())
		m.lastRunTimestamp.Set(float64(finished.Unix()))
	}
}

// RecordStage records a stage's duration and, when kind is non-empty, its failure.
func (m *PipelineMetrics) RecordStage(stage string, d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
	if kind != "" {
		m.stageFailuresTotal.WithLabelValues(stage, kind).Inc()
	}
}

// AddRecords increments the record counter for outcome.
func (m *PipelineMetrics) AddRecords(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveConfidence records the confidence of one classified record.
func (m *PipelineMetrics) ObserveConfidence(c float64) {
	if m == nil {
		return
	}
	m.classificationScore.Observe(c)
}

// AddCacheLookups records catalog cache hits and misses.
func (m *PipelineMetrics) AddCacheLookups(hits, misses int64) {
	if m == nil {
		return
	}
	if hits > 0 {
		m.catalogCacheLookups.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		m.catalogCacheLookups.WithLabelValues("miss").Add(float64(misses))
	}
}

// SetSnapshots sets the pending snapshot gauge.
func (m *PipelineMetrics) SetSnapshots(n int) {
	if m == nil {
		return
	}
	m.historySnapshotsGauge.Set(float64(n))
}
