package dataset

import (
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// FeedbackStats counts what ApplyAdjustments changed.
type FeedbackStats struct {
	Adjusted  int `json:"adjusted"`
	Relabeled int `json:"relabeled"`
	Added     int `json:"added"`
}

// ApplyAdjustments folds reviewer decisions stored on recs into the
// training pairs. Only ManuallyAdjusted records count. Pairs are matched to
// a record by external code, or by folded external name when the training
// table has no code.
//
// A rejected record relabels every matching pair negative. A confirmed
// record relabels matching pairs positive for its catalog program and
// negative for any other; when none names that program a positive pair is
// appended from the record and catalog. pairs is not modified.
func ApplyAdjustments(pairs []model.TrainingPair, recs []model.ProgramRecord, catalog []model.CatalogEntry) ([]model.TrainingPair, FeedbackStats) {
	out := make([]model.TrainingPair, len(pairs))
	copy(out, pairs)

	byCode := make(map[string][]int)
	byName := make(map[string][]int)
	for i, p := range out {
		if p.ExternalCode != "" {
			byCode[p.ExternalCode] = append(byCode[p.ExternalCode], i)
		} else {
			byName[normalize.Text(p.ExternalName)] = append(byName[normalize.Text(p.ExternalName)], i)
		}
	}
	entries := make(map[string]model.CatalogEntry, len(catalog))
	for _, e := range catalog {
		entries[e.Code] = e
	}

	var st FeedbackStats
	for _, r := range recs {
		if !r.ManuallyAdjusted {
			continue
		}
		code, ok := normalize.Code(r.Code)
		if !ok {
			continue
		}
		st.Adjusted++

		matches := append(append([]int(nil), byCode[code]...), byName[normalize.Text(r.Name)]...)
		target := ""
		if r.IsReferent {
			target = model.Deref(r.MatchedCatalogCode)
		}

		found := false
		for _, i := range matches {
			want := r.IsReferent && out[i].CatalogCode == target
			found = found || want
			if out[i].Label != want {
				out[i].Label = want
				st.Relabeled++
			}
		}

		if !r.IsReferent || found || target == "" {
			continue
		}
		p := model.TrainingPair{
			ExternalCode:  code,
			ExternalName:  r.Name,
			ExternalField: r.BroadField,
			ExternalLevel: r.Level,
			CatalogCode:   target,
			CatalogName:   model.Deref(r.MatchedCatalogName),
			Label:         true,
		}
		if e, ok := entries[target]; ok {
			p.CatalogName = e.Name
			p.CatalogField = e.BroadField
			p.CatalogLevel = e.Level
		}
		out = append(out, p)
		st.Added++
	}

	zap.L().Info("dataset: reviewer adjustments applied to training pairs",
		zap.Int("adjusted", st.Adjusted),
		zap.Int("relabeled", st.Relabeled),
		zap.Int("added", st.Added),
	)
	return out, st
}
