package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *PipelineMetrics {
	t.Helper()
	m, err := NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestNewPipelineMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPipelineMetrics(reg)
	require.NoError(t, err)

	_, err = NewPipelineMetrics(reg)
	assert.Error(t, err)
}

func TestRecordRun(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRun("succeeded", 2*time.Second, time.Unix(1700000000, 0))
	m.RecordRun("failed", time.Second, time.Unix(1700000100, 0))
	m.RecordRun("lock_held", 0, time.Unix(1700000200, 0))

	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("lock_held")), 0)
	assert.InDelta(t, 1700000100, testutil.ToFloat64(m.lastRunTimestamp), 0)
}

func TestRecordStage(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStage("Validating", 10*time.Millisecond, "")
	m.RecordStage("Committing", 10*time.Millisecond, "store_busy")

	assert.InDelta(t, 0, testutil.ToFloat64(m.stageFailuresTotal.WithLabelValues("Validating", "validation")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.stageFailuresTotal.WithLabelValues("Committing", "store_busy")), 0)
}

func TestRecordsAndCache(t *testing.T) {
	m := newTestMetrics(t)

	m.AddRecords("new", 3)
	m.AddRecords("new", 0)
	m.AddRecords("referent", 1)
	m.AddCacheLookups(5, 2)
	m.SetSnapshots(4)
	m.ObserveConfidence(0.82)

	assert.InDelta(t, 3, testutil.ToFloat64(m.recordsTotal.WithLabelValues("new")), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.catalogCacheLookups.WithLabelValues("hit")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.catalogCacheLookups.WithLabelValues("miss")), 0)

	expected := `
# HELP referent_history_snapshots Snapshots awaiting consolidation
# TYPE referent_history_snapshots gauge
referent_history_snapshots 4
`
	require.NoError(t, testutil.CollectAndCompare(m.historySnapshotsGauge, strings.NewReader(expected)))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.RecordRun("succeeded", time.Second, time.Now())
		m.RecordStage("Locked", time.Millisecond, "")
		m.AddRecords("new", 1)
		m.AddCacheLookups(1, 1)
		m.SetSnapshots(1)
		m.ObserveConfidence(0.5)
	})
}
