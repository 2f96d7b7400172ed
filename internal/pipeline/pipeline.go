// Package pipeline runs the incremental diff and classification of one
// external extract against the persisted program store. A run holds the run
// lock for its whole life, transforms a single in-memory dataset through a
// fixed sequence of stages and writes the store exactly once.
package pipeline

import (
	"context"
	"time"

	"github.com/sells-group/referent-cli/internal/classifier"
	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/embedding"
	"github.com/sells-group/referent-cli/internal/extract"
	"github.com/sells-group/referent-cli/internal/history"
	"github.com/sells-group/referent-cli/internal/lock"
	"github.com/sells-group/referent-cli/internal/metrics"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/modelrepo"
	"github.com/sells-group/referent-cli/internal/normalize"
	"github.com/sells-group/referent-cli/internal/schema"
	"github.com/sells-group/referent-cli/internal/store"
)

// Stage names a state of the run state machine.
type Stage string

const (
	StageLocked           Stage = "Locked"
	StageExtracting       Stage = "Extracting"
	StageValidating       Stage = "Validating"
	StageNormalizing      Stage = "Normalizing"
	StageDetectingNovelty Stage = "DetectingNovelty"
	StageClassifying      Stage = "Classifying"
	StageFinalizing       Stage = "Finalizing"
	StageCommitting       Stage = "Committing"
	StageRecordingHistory Stage = "RecordingHistory"
	StageUnlocked         Stage = "Unlocked"
)

// Stages lists every stage in execution order. A stage's position is its
// event index.
var Stages = []Stage{
	StageLocked,
	StageExtracting,
	StageValidating,
	StageNormalizing,
	StageDetectingNovelty,
	StageClassifying,
	StageFinalizing,
	StageCommitting,
	StageRecordingHistory,
	StageUnlocked,
}

// Index returns the stage's position in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Event reports stage progress. Each stage reached emits a running event
// when it starts and one terminal event (complete, skipped or failed) when
// it ends, so events arrive in non-decreasing Index order with at most two
// per stage. After a failure the run jumps straight to Unlocked.
type Event struct {
	Index    int               `json:"index"`
	Stage    Stage             `json:"stage"`
	Status   model.StageStatus `json:"status"`
	Warnings []string          `json:"warnings,omitempty"`
	Err      error             `json:"-"`
}

// ProgramStore is the persisted program table.
type ProgramStore interface {
	Path() string
	Load(ctx context.Context) ([]model.ProgramRecord, error)
	Save(ctx context.Context, recs []model.ProgramRecord) error
	Backup(ctx context.Context) (string, error)
	Restore(ctx context.Context, backup string) error
}

// HistoryStore is the run history the orchestrator reads and appends to.
type HistoryStore interface {
	KnownCodes() (map[string]struct{}, error)
	WriteSnapshot(recs []model.ProgramRecord, at time.Time) (history.Snapshot, error)
	Append(recs []model.ProgramRecord, at time.Time) (int, error)
	MaybeConsolidate(bound int) (int, error)
	Status() (history.Status, error)
}

// Locker hands out the run lease.
type Locker interface {
	TryAcquire(kind string) (*lock.Lease, error)
}

// ModelSource provides the current classifier artifacts.
type ModelSource interface {
	Current() (*modelrepo.ArtifactSet, error)
	Train(ctx context.Context, pairs []model.TrainingPair, catalog []model.CatalogEntry) (*modelrepo.ArtifactSet, error)
}

// ReferenceSource reads the catalog and training reference tables.
type ReferenceSource interface {
	Catalog(ctx context.Context) ([]model.CatalogEntry, error)
	TrainingPairs(ctx context.Context, catalog []model.CatalogEntry) ([]model.TrainingPair, error)
}

// Settings is the configuration a run reads. It is copied when the
// Orchestrator is built, so config reloads never reach a run in flight.
type Settings struct {
	Threshold          float64
	TopK               int
	ConsolidationBound int
	AutoTrain          bool
	BatchRecords       int
	// ImputeFields fills missing broad fields while normalizing, from the
	// ImputeNeighbors nearest programs of the same extract.
	ImputeFields       bool
	ImputeNeighbors    int
}

// SettingsFrom extracts run settings from a configuration snapshot.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		Threshold:          cfg.Classifier.Threshold,
		TopK:               cfg.Classifier.TopK,
		ConsolidationBound: cfg.History.ConsolidationBound,
		AutoTrain:          cfg.Model.AutoTrain,
		ImputeFields:       cfg.Impute.Enabled,
		ImputeNeighbors:    cfg.Impute.Neighbors,
	}
}

// Deps are the collaborators of an Orchestrator. Extractor, Ledger, Metrics
// and ValueMap are optional.
type Deps struct {
	Lock      Locker
	Extractor extract.Extractor
	Store     ProgramStore
	History   HistoryStore
	Models    ModelSource
	Reference ReferenceSource
	Embedder  embedding.Embedder
	Manifest  schema.Manifest
	ValueMap  *normalize.ValueMap
	Ledger    store.Store
	Metrics   *metrics.PipelineMetrics
}

// Orchestrator runs the pipeline. Start may be called repeatedly; the run
// lock keeps runs from overlapping.
type Orchestrator struct {
	deps     Deps
	settings Settings
	now      func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, settings Settings) *Orchestrator {
	if settings.Threshold <= 0 {
		settings.Threshold = classifier.DefaultThreshold
	}
	if settings.TopK <= 0 {
		settings.TopK = classifier.DefaultTopK
	}
	if settings.ConsolidationBound <= 0 {
		settings.ConsolidationBound = history.DefaultConsolidationBound
	}
	if deps.Manifest.Columns == nil {
		deps.Manifest = schema.DefaultManifest()
	}
	return &Orchestrator{deps: deps, settings: settings, now: time.Now}
}

// Result is the outcome of one run: its identity, the lock token it held,
// per-stage statuses and the dataset it committed.
type Result struct {
	RunID     string                `json:"run_id,omitempty"`
	Holder    string                `json:"holder,omitempty"`
	Status    model.RunStatus       `json:"status"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
	Summary   model.RunResult       `json:"summary"`
	Records   []model.ProgramRecord `json:"-"`
}

// Handle tracks a started run.
type Handle struct {
	events chan Event
	done   chan struct{}
	result *Result
	err    error
}

// Events yields stage events in order. The channel is closed after the
// Unlocked event. It is buffered for a whole run, so a caller that never
// reads it does not stall the worker.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Wait blocks until the run has reached Unlocked.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	return h.result, h.err
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start launches a run on its own goroutine and returns immediately. When
// table is nil the configured Extractor supplies the extract. Cancelling ctx
// after Start does not stop the run.
func (o *Orchestrator) Start(ctx context.Context, table *model.RawTable) *Handle {
	h := &Handle{
		events: make(chan Event, 2*len(Stages)),
		done:   make(chan struct{}),
	}
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(h.done)
		defer close(h.events)
		h.result, h.err = o.run(runCtx, table, func(ev Event) { h.events <- ev })
	}()
	return h
}

// Run starts a run and waits for it, discarding events.
func (o *Orchestrator) Run(ctx context.Context, table *model.RawTable) (*Result, error) {
	return o.Start(ctx, table).Wait()
}
