package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/catalog"
	"github.com/sells-group/referent-cli/internal/classifier"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/impute"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/modelrepo"
	"github.com/sells-group/referent-cli/internal/normalize"
	"github.com/sells-group/referent-cli/internal/novelty"
	"github.com/sells-group/referent-cli/internal/schema"
)

func (rs *runState) extract(ctx context.Context) (map[string]any, error) {
	if rs.table != nil {
		return map[string]any{"rows": rs.table.Len()}, errSkipped
	}
	if rs.o.deps.Extractor == nil {
		return nil, failure.Wrap(failure.ErrExtraction, "pipeline", "no extract supplied and no extractor configured", nil)
	}
	table, err := rs.o.deps.Extractor.Extract(ctx)
	if err != nil {
		if !errors.Is(err, failure.ErrExtraction) {
			err = failure.Wrap(failure.ErrExtraction, "pipeline", "extract", err)
		}
		return nil, err
	}
	rs.table = table
	return map[string]any{"rows": table.Len(), "source": table.Source}, nil
}

func (rs *runState) validate(_ context.Context) (map[string]any, error) {
	if err := rs.o.deps.Manifest.Validate(rs.table.Header); err != nil {
		return nil, err
	}
	recs, report, err := rs.o.deps.Manifest.Decode(rs.table)
	if err != nil {
		return nil, err
	}
	if len(report.Dropped) > 0 {
		rs.warn("dropped columns not in the schema manifest: %s", strings.Join(report.Dropped, ", "))
	}
	rs.records = recs
	rs.summary.Records = len(recs)
	return map[string]any{"rows": report.Rows, "dropped_columns": len(report.Dropped)}, nil
}

func (rs *runState) normalize(ctx context.Context) (map[string]any, error) {
	invalid := normalize.Records(rs.records)
	if invalid > 0 {
		rs.warn("%d record(s) have an empty or null code", invalid)
	}
	meta := map[string]any{"invalid_codes": invalid}
	if !rs.o.settings.ImputeFields {
		return meta, nil
	}

	res, err := impute.Fields(ctx, rs.records, rs.o.deps.Embedder, rs.o.settings.ImputeNeighbors)
	if err != nil {
		return nil, err
	}
	if res.Imputed < res.Missing {
		rs.warn("%d record(s) have no broad field and none could be imputed", res.Missing-res.Imputed)
	}
	meta["imputed_fields"] = res.Imputed
	return meta, nil
}

func (rs *runState) detectNovelty(_ context.Context) (map[string]any, error) {
	res := novelty.Detector{}.Detect(rs.records, rs.o.deps.History)
	rs.degraded = res.Degraded
	rs.summary.New = res.New
	rs.summary.Known = res.Known
	rs.summary.InvalidCodes = res.Invalid
	rs.summary.Degraded = res.Degraded
	rs.summary.DegradedReason = res.Reason
	if res.Degraded {
		rs.warn("history unreadable, every record treated as new: %s", res.Reason)
	}

	m := rs.o.deps.Metrics
	m.AddRecords("new", res.New)
	m.AddRecords("known", res.Known)
	m.AddRecords("invalid_code", res.Invalid)

	return map[string]any{
		"new":      res.New,
		"known":    res.Known,
		"degraded": res.Degraded,
	}, nil
}

func (rs *runState) classify(ctx context.Context) (map[string]any, error) {
	if rs.summary.New == 0 {
		return map[string]any{"classified": 0}, errSkipped
	}

	entries, err := rs.o.deps.Reference.Catalog(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load catalog")
	}
	art, err := rs.currentModel(ctx, entries)
	if err != nil {
		return nil, err
	}
	rs.summary.ModelVersion = art.Version

	cache := catalog.New(entries, rs.o.deps.Embedder)
	if err := cache.Warm(ctx); err != nil {
		return nil, err
	}
	matcher, err := classifier.NewMatcher(cache, rs.o.deps.Embedder, art.Model, classifier.Options{
		Threshold:    rs.o.settings.Threshold,
		TopK:         rs.o.settings.TopK,
		BatchRecords: rs.o.settings.BatchRecords,
	})
	if err != nil {
		return nil, err
	}
	sum, err := matcher.Classify(ctx, rs.records)
	if err != nil {
		return nil, err
	}

	rs.summary.Classified = sum.Classified
	rs.summary.Referents = sum.Referents
	if sum.NoCandidate > 0 {
		rs.warn("%d new record(s) had no catalog program at their level", sum.NoCandidate)
	}

	m := rs.o.deps.Metrics
	stats := cache.Stats()
	m.AddCacheLookups(stats.Hits, stats.Misses)
	m.AddRecords("referent", sum.Referents)
	for _, r := range rs.records {
		if r.IsNew {
			m.ObserveConfidence(r.Confidence)
		}
	}

	return map[string]any{
		"model_version": art.Version,
		"classified":    sum.Classified,
		"referents":     sum.Referents,
		"no_candidate":  sum.NoCandidate,
		"threshold":     rs.o.settings.Threshold,
	}, nil
}

// currentModel loads the current artifacts once for the run, training the
// first version when none exists and auto-train is enabled.
func (rs *runState) currentModel(ctx context.Context, entries []model.CatalogEntry) (*modelrepo.ArtifactSet, error) {
	art, err := rs.o.deps.Models.Current()
	if err == nil {
		return art, nil
	}
	if !errors.Is(err, modelrepo.ErrNoVersion) || !rs.o.settings.AutoTrain {
		return nil, err
	}

	rs.log.Info("pipeline: no model version, training one")
	pairs, err := rs.o.deps.Reference.TrainingPairs(ctx, entries)
	if err != nil {
		return nil, failure.Wrap(failure.ErrModelArtifact, "pipeline", "auto-train: load training pairs", err)
	}
	art, err = rs.o.deps.Models.Train(ctx, pairs, entries)
	if err != nil {
		return nil, err
	}
	rs.warn("trained model version %d because none existed", art.Version)
	return art, nil
}

// finalize carries persisted annotations forward onto known records, applies
// the value map and puts the dataset in code order.
func (rs *runState) finalize(ctx context.Context) (map[string]any, error) {
	prev, err := rs.o.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]model.ProgramRecord, len(prev))
	for _, r := range prev {
		if r.Code != "" {
			byCode[r.Code] = r
		}
	}

	carried := 0
	for i := range rs.records {
		r := &rs.records[i]
		if r.IsNew || r.Code == "" {
			continue
		}
		if p, ok := byCode[r.Code]; ok {
			r.CopyAnnotations(p)
			carried++
		}
	}

	mapped := 0
	if rs.o.deps.ValueMap != nil {
		mapped = rs.o.deps.Manifest.ApplyValueMap(rs.records, rs.o.deps.ValueMap)
	}
	schema.SortByCode(rs.records)

	return map[string]any{
		"previous_records": len(prev),
		"carried_forward":  carried,
		"values_mapped":    mapped,
	}, nil
}

// commit writes the dataset once, restoring the backup if the write fails.
func (rs *runState) commit(ctx context.Context) (map[string]any, error) {
	st := rs.o.deps.Store
	backup, err := st.Backup(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Save(ctx, rs.records); err != nil {
		if rerr := st.Restore(ctx, backup); rerr != nil {
			rs.log.Error("pipeline: restore after failed commit", zap.String("backup", backup), zap.Error(rerr))
			return nil, errors.Join(err, eris.Wrap(rerr, "pipeline: restore backup"))
		}
		return nil, err
	}
	return map[string]any{"records": len(rs.records), "backup": backup}, nil
}

// recordHistory snapshots the committed dataset and folds it into the
// ledger. The store is already committed, so failures only warn.
func (rs *runState) recordHistory(_ context.Context) (map[string]any, error) {
	h := rs.o.deps.History
	at := rs.o.now().UTC()
	meta := map[string]any{}

	snap, err := h.WriteSnapshot(rs.records, at)
	if err != nil {
		rs.warn("history snapshot not written: %v", err)
	} else {
		meta["snapshot"] = snap.Path
	}

	if rs.degraded {
		rs.warn("history ledger left untouched because it could not be read")
		return meta, nil
	}

	var fresh []model.ProgramRecord
	for _, r := range rs.records {
		if r.IsNew && r.Code != "" {
			fresh = append(fresh, r)
		}
	}
	added, err := h.Append(fresh, at)
	if err != nil {
		rs.warn("history ledger not updated: %v", err)
	}
	meta["ledger_added"] = added

	merged, err := h.MaybeConsolidate(rs.o.settings.ConsolidationBound)
	if err != nil {
		rs.warn("history consolidation failed: %v", err)
	}
	rs.summary.Consolidated = merged
	meta["consolidated"] = merged

	if status, err := h.Status(); err == nil {
		rs.o.deps.Metrics.SetSnapshots(status.Snapshots)
	}
	return meta, nil
}
