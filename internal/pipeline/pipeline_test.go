package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/lock"
	"github.com/sells-group/referent-cli/internal/metrics"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/store"
)

func TestRun_ScenarioA_NewRecordMatchesCatalog(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	res, err := env.orchestrator(env.deps()).Run(context.Background(),
		rawTable([]string{"9999", "Ingenieria De Sistemas", "Universidad X", "Pregrado", "Ingeniería"}))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, res.Status)
	assert.Equal(t, 1, res.Summary.ModelVersion)

	persisted, err := env.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	r := persisted[0]
	assert.True(t, r.IsNew)
	assert.True(t, r.IsReferent)
	assert.Equal(t, "100", model.Deref(r.MatchedCatalogCode))
	assert.GreaterOrEqual(t, r.Confidence, 0.70)

	known, err := env.hist.KnownCodes()
	require.NoError(t, err)
	assert.Contains(t, known, "9999")
}

func TestRun_ImputesMissingBroadField(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	o := New(env.deps(), Settings{ImputeFields: true, ImputeNeighbors: 3})
	res, err := o.Run(context.Background(), rawTable(
		[]string{"9999", "Ingenieria De Sistemas", "Universidad X", "Pregrado", "Ingeniería"},
		[]string{"9998", "Ingeniería de sistemas", "Universidad Y", "Pregrado", "Sin clasificar"},
	))
	require.NoError(t, err)

	persisted, err := env.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.NotEmpty(t, persisted[0].BroadField)
	assert.Equal(t, persisted[0].BroadField, persisted[1].BroadField)
	assert.Equal(t, 1, res.Summary.Stages[StageNormalizing.Index()].Metadata["imputed_fields"])
}

func TestRun_LeavesBroadFieldWithoutImputation(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	_, err := env.orchestrator(env.deps()).Run(context.Background(), rawTable(
		[]string{"9999", "Ingenieria De Sistemas", "Universidad X", "Pregrado", "Ingeniería"},
		[]string{"9998", "Ingeniería de sistemas", "Universidad Y", "Pregrado", ""},
	))
	require.NoError(t, err)

	persisted, err := env.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Empty(t, persisted[1].BroadField)
}

func TestRun_ScenarioB_KnownRecordUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	adjusted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	prior := model.ProgramRecord{
		Code: "9999", Name: "Ingenieria De Sistemas", Institution: "Universidad X",
		Level: "universitario", BroadField: "Ingeniería",
		IsNew: true, IsReferent: true,
		MatchedCatalogCode: model.StringPtr("200"),
		MatchedCatalogName: model.StringPtr("Derecho"),
		Confidence:         0.91,
		ManuallyAdjusted:   true,
		AdjustedAt:         &adjusted,
	}
	require.NoError(t, env.store.Save(ctx, []model.ProgramRecord{prior}))
	_, err := env.hist.Append([]model.ProgramRecord{prior}, adjusted)
	require.NoError(t, err)

	// No new records: the model must never be consulted.
	models := &mockModels{}
	deps := env.deps()
	deps.Models = models

	res, err := env.orchestrator(deps).Run(ctx,
		rawTable([]string{"9999", "Ingenieria De Sistemas", "Universidad X", "Pregrado", "Ingeniería"}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Summary.New)
	assert.Equal(t, 1, res.Summary.Known)
	models.AssertExpectations(t)

	persisted, err := env.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	r := persisted[0]
	assert.False(t, r.IsNew)
	assert.True(t, r.IsReferent)
	assert.Equal(t, "200", model.Deref(r.MatchedCatalogCode))
	assert.InDelta(t, 0.91, r.Confidence, 1e-9)
	assert.True(t, r.ManuallyAdjusted)
	require.NotNil(t, r.AdjustedAt)
	assert.True(t, adjusted.Equal(*r.AdjustedAt))
}

func TestRun_ScenarioC_NoCatalogAtLevel(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	res, err := env.orchestrator(env.deps()).Run(context.Background(),
		rawTable([]string{"5000", "Doctorado en Física", "Universidad Y", "Doctorado", "Ciencias"}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Summary.Referents)

	require.Len(t, res.Records, 1)
	r := res.Records[0]
	assert.True(t, r.IsNew)
	assert.False(t, r.IsReferent)
	assert.Nil(t, r.MatchedCatalogCode)
}

func TestRun_ScenarioD_CorruptHistoryDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	ledger := filepath.Join(env.hist.Dir(), "ledger.xlsx")
	require.NoError(t, os.MkdirAll(env.hist.Dir(), 0o755))
	require.NoError(t, os.WriteFile(ledger, []byte("not a workbook"), 0o644))

	res, err := env.orchestrator(env.deps()).Run(context.Background(), rawTable(
		[]string{"1", "Derecho", "U1", "Pregrado", "Ciencias Sociales"},
		[]string{"2", "Medicina", "U2", "Pregrado", "Salud"},
	))
	require.NoError(t, err)
	assert.True(t, res.Summary.Degraded)
	assert.NotEmpty(t, res.Summary.DegradedReason)
	assert.Equal(t, 2, res.Summary.New)
	assert.Contains(t, fmt.Sprint(res.Summary.Warnings), "history unreadable")

	for _, r := range res.Records {
		assert.True(t, r.IsNew, r.Code)
	}

	// The corrupt ledger is left for an operator to inspect.
	data, err := os.ReadFile(ledger)
	require.NoError(t, err)
	assert.Equal(t, "not a workbook", string(data))
}

func TestRun_ScenarioE_ConsolidatesPastBound(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		_, err := env.hist.WriteSnapshot([]model.ProgramRecord{
			{Code: fmt.Sprintf("S%02d", i), Name: "Programa", Level: "universitario"},
			{Code: "SHARED", Name: fmt.Sprintf("Shared %d", i), Level: "universitario"},
		}, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	res, err := env.orchestrator(env.deps()).Run(context.Background(),
		rawTable([]string{"9999", "Derecho", "U", "Pregrado", "Ciencias Sociales"}))
	require.NoError(t, err)
	assert.Equal(t, 21, res.Summary.Consolidated)

	snaps, err := env.hist.Snapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)

	ledger, err := env.hist.Ledger()
	require.NoError(t, err)
	assert.Len(t, ledger, 22) // S00..S19, SHARED, 9999
	assert.Contains(t, ledger, "SHARED")
	assert.Contains(t, ledger, "9999")
}

func TestRun_MutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Save(ctx, []model.ProgramRecord{{Code: "1", Name: "Derecho", Level: "universitario"}}))
	before := storeBytes(t, env.store.Path())

	held, err := env.locks.TryAcquire(lock.KindReviewer)
	require.NoError(t, err)
	defer held.Release() //nolint:errcheck

	h := env.orchestrator(env.deps()).Start(ctx,
		rawTable([]string{"2", "Medicina", "U", "Pregrado", "Salud"}))
	events := drain(h)
	res, err := h.Wait()

	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrLockHeld))
	assert.Equal(t, string(StageLocked), failure.StageOf(err))
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.Empty(t, res.RunID)

	require.Len(t, events, 4)
	assert.Equal(t, StageLocked, events[0].Stage)
	assert.Equal(t, model.StageStatusRunning, events[0].Status)
	assert.Equal(t, StageLocked, events[1].Stage)
	assert.Equal(t, model.StageStatusFailed, events[1].Status)
	assert.Equal(t, StageUnlocked, events[2].Stage)
	assert.Equal(t, model.StageStatusRunning, events[2].Status)
	assert.Equal(t, StageUnlocked, events[3].Stage)
	assert.Equal(t, model.StageStatusFailed, events[3].Status)

	assert.Equal(t, before, storeBytes(t, env.store.Path()))
}

func TestRun_BackupIntegrityOnCommitFailure(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)
	ctx := context.Background()

	require.NoError(t, env.store.Save(ctx, []model.ProgramRecord{{Code: "1", Name: "Derecho", Level: "universitario"}}))
	before := storeBytes(t, env.store.Path())

	deps := env.deps()
	deps.Store = &failingSaveStore{Store: env.store, err: failure.Wrap(failure.ErrStoreBusy, "dataset", "save", nil)}

	res, err := env.orchestrator(deps).Run(ctx,
		rawTable([]string{"2", "Medicina", "U", "Pregrado", "Salud"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrStoreBusy))
	assert.Equal(t, string(StageCommitting), failure.StageOf(err))
	assert.Equal(t, "store_busy", res.Summary.ErrorKind)
	assert.Nil(t, res.Records)

	assert.Equal(t, before, storeBytes(t, env.store.Path()))

	// Nothing was recorded in history and the lock was released.
	known, err := env.hist.KnownCodes()
	require.NoError(t, err)
	assert.Empty(t, known)
	lease, err := env.locks.TryAcquire(lock.KindPipeline)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestRun_CommitFailureWithoutPriorStoreRemovesPartialWrite(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	deps := env.deps()
	deps.Store = &failingSaveStore{Store: env.store, err: errors.New("disk full")}

	_, err := env.orchestrator(deps).Run(context.Background(),
		rawTable([]string{"2", "Medicina", "U", "Pregrado", "Salud"}))
	require.Error(t, err)
	assert.False(t, env.store.Exists())
}

func TestStart_EventsOrderedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	h := env.orchestrator(env.deps()).Start(context.Background(),
		rawTable([]string{"9999", "Ingenieria De Sistemas", "U", "Pregrado", "Ingeniería"}))
	events := drain(h)
	_, err := h.Wait()
	require.NoError(t, err)

	require.Len(t, events, 2*len(Stages))
	for i, st := range Stages {
		start, done := events[2*i], events[2*i+1]
		assert.Equal(t, i, start.Index)
		assert.Equal(t, st, start.Stage)
		assert.Equal(t, model.StageStatusRunning, start.Status, "stage %s starts before it ends", st)
		assert.Equal(t, i, done.Index)
		assert.Equal(t, st, done.Stage)
		assert.NotEqual(t, model.StageStatusRunning, done.Status)
		assert.NoError(t, done.Err)
	}
	assert.Equal(t, model.StageStatusSkipped, events[2*StageExtracting.Index()+1].Status)
	assert.Equal(t, model.StageStatusComplete, events[len(events)-1].Status)
}

func TestStart_DoesNotBlockWithoutReader(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	h := env.orchestrator(env.deps()).Start(context.Background(),
		rawTable([]string{"1", "Derecho", "U", "Pregrado", "Ciencias Sociales"}))

	select {
	case <-h.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish while events were unread")
	}
	_, err := h.Wait()
	require.NoError(t, err)
}

func TestStart_IgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	ctx, cancel := context.WithCancel(context.Background())
	h := env.orchestrator(env.deps()).Start(ctx,
		rawTable([]string{"1", "Derecho", "U", "Pregrado", "Ciencias Sociales"}))
	cancel()

	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, res.Status)
}

func TestRun_ValidationFailure(t *testing.T) {
	env := newTestEnv(t)

	table := &model.RawTable{Header: []string{"SOMETHING_ELSE"}, Rows: [][]string{{"x"}}}
	_, err := env.orchestrator(env.deps()).Run(context.Background(), table)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrValidation))
	assert.Equal(t, string(StageValidating), failure.StageOf(err))
	assert.False(t, env.store.Exists())
}

func TestRun_ExtractionFailure(t *testing.T) {
	env := newTestEnv(t)

	ex := &mockExtractor{}
	ex.On("Extract", mock.Anything).Return(nil, errors.New("connection reset"))
	deps := env.deps()
	deps.Extractor = ex

	_, err := env.orchestrator(deps).Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrExtraction))
	assert.Equal(t, string(StageExtracting), failure.StageOf(err))
	assert.False(t, env.store.Exists())
	ex.AssertExpectations(t)
}

func TestRun_UsesExtractor(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)

	ex := &mockExtractor{}
	ex.On("Extract", mock.Anything).Return(rawTable([]string{"1", "Derecho", "U", "Pregrado", "Ciencias Sociales"}), nil)
	deps := env.deps()
	deps.Extractor = ex

	res, err := env.orchestrator(deps).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Records)
	assert.Equal(t, model.StageStatusComplete, res.Summary.Stages[StageExtracting.Index()].Status)
}

func TestRun_MissingModelIsArtifactFailure(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orchestrator(env.deps()).Run(context.Background(),
		rawTable([]string{"1", "Derecho", "U", "Pregrado", "Ciencias Sociales"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrModelArtifact))
	assert.Equal(t, string(StageClassifying), failure.StageOf(err))
	assert.False(t, env.store.Exists())
}

func TestRun_AutoTrainsFirstVersion(t *testing.T) {
	env := newTestEnv(t)
	env.ref.pairs = []model.TrainingPair{
		{ExternalName: "Derecho", CatalogCode: "200", CatalogName: "Derecho", Label: true},
	}

	res, err := New(env.deps(), Settings{AutoTrain: true}).Run(context.Background(),
		rawTable([]string{"1", "Derecho", "U", "Pregrado", "Ciencias Sociales"}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.ModelVersion)

	v, err := env.repo.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRun_Deterministic(t *testing.T) {
	table := func() *model.RawTable {
		return rawTable(
			[]string{"1", "Ingenieria de Sistemas", "U", "Pregrado", "Ingeniería"},
			[]string{"2", "Derecho Penal", "U", "Pregrado", "Ciencias Sociales"},
			[]string{"3", "Maestria Finanzas", "U", "Maestría", "Administración"},
		)
	}

	var outcomes [][]string
	for i := 0; i < 2; i++ {
		env := newTestEnv(t)
		env.trainUntrained(t)
		res, err := env.orchestrator(env.deps()).Run(context.Background(), table())
		require.NoError(t, err)

		var got []string
		for _, r := range res.Records {
			got = append(got, fmt.Sprintf("%s|%t|%s|%.6f", r.Code, r.IsReferent, model.Deref(r.MatchedCatalogCode), r.Confidence))
		}
		outcomes = append(outcomes, got)
	}
	assert.Equal(t, outcomes[0], outcomes[1])
}

func TestRun_RecordsLedgerAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.trainUntrained(t)
	ctx := context.Background()

	ledger, err := store.NewSQLite(filepath.Join(env.dir, "runs.db"))
	require.NoError(t, err)
	defer ledger.Close() //nolint:errcheck
	require.NoError(t, ledger.Migrate(ctx))

	pm, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	deps := env.deps()
	deps.Ledger = ledger
	deps.Metrics = pm

	res, err := env.orchestrator(deps).Run(ctx,
		rawTable([]string{"9999", "Ingenieria De Sistemas", "U", "Pregrado", "Ingeniería"}))
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)

	run, err := ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, res.Holder, run.Holder)
	require.NotNil(t, run.Result)
	assert.Equal(t, 1, run.Result.Referents)

	stages, err := ledger.ListStages(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, stages, len(Stages)-1) // Unlocked is not a recorded stage

	decisions, err := ledger.ListDecisions(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "100", decisions[0].MatchedCode)
	assert.Equal(t, 1, decisions[0].ModelVersion)
}

func TestSettingsFrom(t *testing.T) {
	cfg := config.Config{
		Classifier: config.ClassifierConfig{Threshold: 0.8, TopK: 3},
		History:    config.HistoryConfig{ConsolidationBound: 5},
		Model:      config.ModelConfig{AutoTrain: true},
		Impute:     config.ImputeConfig{Enabled: true, Neighbors: 3},
	}
	s := SettingsFrom(cfg)
	assert.Equal(t, Settings{
		Threshold:          0.8,
		TopK:               3,
		ConsolidationBound: 5,
		AutoTrain:          true,
		ImputeFields:       true,
		ImputeNeighbors:    3,
	}, s)

	o := New(Deps{}, Settings{})
	assert.InDelta(t, 0.70, o.settings.Threshold, 0)
	assert.Equal(t, 5, o.settings.TopK)
	assert.Equal(t, 20, o.settings.ConsolidationBound)
}
