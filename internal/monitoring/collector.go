package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/referent-cli/internal/lock"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsSucceeded int     `json:"runs_succeeded"`
	RunsFailed    int     `json:"runs_failed"`
	RunsRunning   int     `json:"runs_running"`
	FailRate      float64 `json:"fail_rate"`
	DegradedRuns  int     `json:"degraded_runs"`
	NewRecords    int     `json:"new_records"`
	Referents     int     `json:"referents"`

	// Lock state.
	LockHeld   bool   `json:"lock_held"`
	LockStale  bool   `json:"lock_stale"`
	LockKind   string `json:"lock_kind,omitempty"`
	LockHolder string `json:"lock_holder,omitempty"`
	LockPID    int    `json:"lock_pid,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the subset of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// LockInspector reports the run lease.
type LockInspector interface {
	Inspect() (lock.Status, error)
}

// Collector gathers metrics from the run ledger and the lock.
type Collector struct {
	runs RunLister
	lock LockInspector
}

// NewCollector creates a new metrics collector. lk may be nil.
func NewCollector(runs RunLister, lk LockInspector) *Collector {
	return &Collector{runs: runs, lock: lk}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusSucceeded:
			snap.RunsSucceeded++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Result != nil {
			if r.Result.Degraded {
				snap.DegradedRuns++
			}
			snap.NewRecords += r.Result.New
			snap.Referents += r.Result.Referents
		}
	}

	if finished := snap.RunsSucceeded + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.lock != nil {
		st, err := c.lock.Inspect()
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: inspect lock")
		}
		snap.LockHeld = st.Held
		snap.LockStale = st.Stale
		if st.Lease != nil {
			snap.LockKind = st.Lease.Kind
			snap.LockHolder = st.Lease.Holder
			snap.LockPID = st.Lease.PID
		}
	}

	return snap, nil
}
