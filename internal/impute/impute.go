// Package impute fills missing broad knowledge fields from the programs
// whose names are semantically closest.
package impute

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/embedding"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// DefaultNeighbors is the number of reference programs that vote.
const DefaultNeighbors = 5

// missing lists folded field values that count as unassigned.
var missing = map[string]bool{
	"":                  true,
	"sin clasificar":    true,
	"sin clasificacion": true,
	"n a":               true,
	"na":                true,
	"none":              true,
	"null":              true,
}

// Missing reports whether a broad field value counts as unassigned.
func Missing(field string) bool {
	return missing[normalize.Text(field)]
}

// Result summarizes an imputation pass.
type Result struct {
	Missing    int            `json:"missing"`
	Imputed    int            `json:"imputed"`
	References int            `json:"references"`
	ByField    map[string]int `json:"by_field,omitempty"`
}

// Fields assigns a BroadField to every record that lacks one by a
// distance-weighted vote of its k nearest records (cosine distance over name
// embeddings) among those that have one. Nothing changes when no record has
// a field. Ties between fields go to the lexicographically smallest.
func Fields(ctx context.Context, recs []model.ProgramRecord, emb embedding.Embedder, k int) (Result, error) {
	if k <= 0 {
		k = DefaultNeighbors
	}

	var refs, gaps []int
	for i := range recs {
		if Missing(recs[i].BroadField) {
			gaps = append(gaps, i)
		} else {
			refs = append(refs, i)
		}
	}
	res := Result{Missing: len(gaps), References: len(refs)}
	if len(gaps) == 0 || len(refs) == 0 {
		return res, nil
	}
	k = min(k, len(refs))

	refVecs, err := emb.EmbedBatch(ctx, names(recs, refs))
	if err != nil {
		return res, eris.Wrap(err, "impute: embed reference programs")
	}
	gapVecs, err := emb.EmbedBatch(ctx, names(recs, gaps))
	if err != nil {
		return res, eris.Wrap(err, "impute: embed programs without field")
	}

	res.ByField = make(map[string]int)
	for gi, i := range gaps {
		field := vote(gapVecs[gi], refVecs, refs, recs, k)
		recs[i].BroadField = field
		res.ByField[field]++
		res.Imputed++
	}

	zap.L().Info("impute: broad fields filled",
		zap.Int("imputed", res.Imputed),
		zap.Int("references", res.References),
		zap.Int("neighbors", k),
	)
	return res, nil
}

func names(recs []model.ProgramRecord, idx []int) []string {
	out := make([]string, len(idx))
	for j, i := range idx {
		out[j] = recs[i].Name
	}
	return out
}

// exactDist is the cosine distance below which two names count as equal.
const exactDist = 1e-6

type neighbor struct {
	field string
	dist  float64
}

// vote picks the field of the k nearest references. Weights are inverse
// distances; exact matches, when present, outvote everything else.
func vote(v []float32, refVecs [][]float32, refs []int, recs []model.ProgramRecord, k int) string {
	nb := make([]neighbor, len(refVecs))
	for j, rv := range refVecs {
		nb[j] = neighbor{field: recs[refs[j]].BroadField, dist: 1 - embedding.Cosine(v, rv)}
	}
	sort.SliceStable(nb, func(a, b int) bool { return nb[a].dist < nb[b].dist })
	nb = nb[:k]

	weights := make(map[string]float64)
	exact := nb[0].dist < exactDist
	for _, n := range nb {
		switch {
		case exact && n.dist < exactDist:
			weights[n.field]++
		case !exact:
			weights[n.field] += 1 / n.dist
		}
	}

	best, bestW := "", -1.0
	for field, w := range weights {
		if w > bestW || (w == bestW && field < best) {
			best, bestW = field, w
		}
	}
	return best
}
