package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/lock"
	"github.com/sells-group/referent-cli/internal/model"
)

// runState is the single in-memory dataset and bookkeeping of one run.
type runState struct {
	o     *Orchestrator
	log   *zap.Logger
	emit  func(Event)
	runID string
	lease *lock.Lease
	start time.Time

	table    *model.RawTable
	records  []model.ProgramRecord
	degraded bool
	summary  model.RunResult
}

func (o *Orchestrator) run(ctx context.Context, table *model.RawTable, emit func(Event)) (*Result, error) {
	rs := &runState{
		o:     o,
		log:   zap.L().With(zap.String("component", "pipeline")),
		emit:  emit,
		start: o.now().UTC(),
		table: table,
	}

	err := rs.stage(ctx, StageLocked, func() (map[string]any, error) {
		lease, err := o.deps.Lock.TryAcquire(lock.KindPipeline)
		if err != nil {
			return nil, err
		}
		rs.lease = lease
		rs.beginLedger(ctx)
		return map[string]any{"holder": lease.Holder}, nil
	})
	if err != nil {
		// Never locked: nothing to release and no ledger entry.
		rs.begin(StageUnlocked)
		rs.unlocked(err)
		o.deps.Metrics.RecordRun("lock_held", 0, o.now())
		rs.log.Warn("pipeline: run rejected", zap.Error(err))
		return rs.result(model.RunStatusFailed), err
	}

	err = rs.process(ctx)

	rs.begin(StageUnlocked)
	if relErr := rs.lease.Release(); relErr != nil {
		rs.log.Error("pipeline: release lock", zap.Error(relErr))
		if err == nil {
			err = eris.Wrap(relErr, "pipeline: release lock")
		}
	}
	rs.unlocked(err)

	status := model.RunStatusSucceeded
	if err != nil {
		status = model.RunStatusFailed
		rs.summary.FailedStage = failure.StageOf(err)
		rs.summary.ErrorKind = failure.Kind(err)
		rs.summary.Error = err.Error()
	}
	res := rs.result(status)
	rs.finishLedger(ctx, status)
	o.deps.Metrics.RecordRun(string(status), res.Duration, o.now())

	if err != nil {
		rs.log.Error("pipeline: run failed",
			zap.String("stage", rs.summary.FailedStage),
			zap.String("kind", rs.summary.ErrorKind),
			zap.Error(err),
		)
		return res, err
	}
	rs.log.Info("pipeline: run complete",
		zap.Int("records", rs.summary.Records),
		zap.Int("new", rs.summary.New),
		zap.Int("referents", rs.summary.Referents),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// process runs the stages between Locked and Unlocked, stopping at the first
// failure.
func (rs *runState) process(ctx context.Context) error {
	steps := []struct {
		stage Stage
		fn    func(context.Context) (map[string]any, error)
	}{
		{StageExtracting, rs.extract},
		{StageValidating, rs.validate},
		{StageNormalizing, rs.normalize},
		{StageDetectingNovelty, rs.detectNovelty},
		{StageClassifying, rs.classify},
		{StageFinalizing, rs.finalize},
		{StageCommitting, rs.commit},
		{StageRecordingHistory, rs.recordHistory},
	}
	for _, s := range steps {
		if err := rs.stage(ctx, s.stage, func() (map[string]any, error) { return s.fn(ctx) }); err != nil {
			return err
		}
	}
	return nil
}

// errSkipped marks a stage that had nothing to do.
var errSkipped = errors.New("skipped")

// stage runs fn as st: it times it, logs it, records it in the ledger and
// metrics, and emits a running event before it and a terminal event after.
// A failure is returned as a StageError.
func (rs *runState) stage(ctx context.Context, st Stage, fn func() (map[string]any, error)) error {
	rs.begin(st)
	before := len(rs.summary.Warnings)
	started := time.Now()
	meta, err := fn()
	elapsed := time.Since(started)

	sr := model.StageResult{
		Index:    st.Index(),
		Name:     string(st),
		Status:   model.StageStatusComplete,
		Duration: elapsed.Milliseconds(),
		Warnings: append([]string(nil), rs.summary.Warnings[before:]...),
		Metadata: meta,
	}

	kind := ""
	switch {
	case errors.Is(err, errSkipped):
		sr.Status = model.StageStatusSkipped
		err = nil
	case err != nil:
		sr.Status = model.StageStatusFailed
		err = &failure.StageError{Stage: string(st), Err: err}
		sr.Error = err.Error()
		kind = failure.Kind(err)
		rs.log.Error("pipeline: stage failed",
			zap.String("stage", string(st)),
			zap.Int64("duration_ms", sr.Duration),
			zap.Error(err),
		)
	default:
		rs.log.Info("pipeline: stage complete",
			zap.String("stage", string(st)),
			zap.Int64("duration_ms", sr.Duration),
		)
	}

	rs.summary.Stages = append(rs.summary.Stages, sr)
	rs.recordStage(ctx, sr)
	rs.o.deps.Metrics.RecordStage(string(st), elapsed, kind)
	rs.emit(Event{Index: sr.Index, Stage: st, Status: sr.Status, Warnings: sr.Warnings, Err: err})
	return err
}

// warn records a run warning against the current stage.
func (rs *runState) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	rs.summary.Warnings = append(rs.summary.Warnings, msg)
	rs.log.Warn("pipeline: warning", zap.String("warning", msg))
}

// begin announces that st has started.
func (rs *runState) begin(st Stage) {
	rs.emit(Event{Index: st.Index(), Stage: st, Status: model.StageStatusRunning})
}

// unlocked emits the terminal event.
func (rs *runState) unlocked(err error) {
	status := model.StageStatusComplete
	if err != nil {
		status = model.StageStatusFailed
	}
	rs.emit(Event{Index: StageUnlocked.Index(), Stage: StageUnlocked, Status: status, Err: err})
}

func (rs *runState) result(status model.RunStatus) *Result {
	res := &Result{
		RunID:     rs.runID,
		Status:    status,
		StartedAt: rs.start,
		Duration:  rs.o.now().UTC().Sub(rs.start),
		Summary:   rs.summary,
	}
	if rs.lease != nil {
		res.Holder = rs.lease.Holder
	}
	if status == model.RunStatusSucceeded {
		res.Records = rs.records
	}
	return res
}

// Ledger bookkeeping never fails a run.

func (rs *runState) beginLedger(ctx context.Context) {
	if rs.o.deps.Ledger == nil {
		return
	}
	source := ""
	if rs.table != nil {
		source = rs.table.Source
	}
	run, err := rs.o.deps.Ledger.CreateRun(ctx, rs.lease.Holder, source)
	if err != nil {
		rs.log.Warn("pipeline: create ledger run", zap.Error(err))
		return
	}
	rs.runID = run.ID
	rs.log = rs.log.With(zap.String("run_id", run.ID))
}

func (rs *runState) recordStage(ctx context.Context, sr model.StageResult) {
	if rs.o.deps.Ledger == nil || rs.runID == "" {
		return
	}
	st, err := rs.o.deps.Ledger.CreateStage(ctx, rs.runID, sr.Index, sr.Name)
	if err != nil {
		rs.log.Warn("pipeline: create ledger stage", zap.String("stage", sr.Name), zap.Error(err))
		return
	}
	if err := rs.o.deps.Ledger.CompleteStage(ctx, st.ID, &sr); err != nil {
		rs.log.Warn("pipeline: complete ledger stage", zap.String("stage", sr.Name), zap.Error(err))
	}
}

func (rs *runState) finishLedger(ctx context.Context, status model.RunStatus) {
	if rs.o.deps.Ledger == nil || rs.runID == "" {
		return
	}
	if status == model.RunStatusSucceeded {
		var decisions []model.Decision
		for _, r := range rs.records {
			if r.IsNew {
				decisions = append(decisions, model.DecisionFrom(rs.runID, rs.summary.ModelVersion, r))
			}
		}
		if err := rs.o.deps.Ledger.SaveDecisions(ctx, rs.runID, decisions); err != nil {
			rs.log.Warn("pipeline: save decisions", zap.Error(err))
		}
	}
	if err := rs.o.deps.Ledger.UpdateRunResult(ctx, rs.runID, status, &rs.summary); err != nil {
		rs.log.Warn("pipeline: update ledger run", zap.Error(err))
	}
}
