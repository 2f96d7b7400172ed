package classifier

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/embedding"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
	"github.com/sells-group/referent-cli/internal/schema"
)

// Defaults for the match decision.
const (
	DefaultThreshold = 0.70
	DefaultTopK      = 5
)

// CandidateSource returns level-matched catalog candidates with embeddings.
type CandidateSource interface {
	CandidatesFor(ctx context.Context, level string) ([]model.CatalogEntry, [][]float32, error)
}

// Scorer returns the probability that a record is a referent of code.
type Scorer interface {
	Probability(features []float64, code string, similarity float64) float64
}

// Options configures a Matcher.
type Options struct {
	Threshold float64
	TopK      int
	// BatchRecords bounds how many record names are embedded per batch.
	BatchRecords int
}

// Matcher assigns catalog referents to new records.
type Matcher struct {
	candidates CandidateSource
	embedder   embedding.Embedder
	scorer     Scorer
	opts       Options
}

// NewMatcher creates a Matcher. A nil scorer is a model artifact failure.
func NewMatcher(candidates CandidateSource, embedder embedding.Embedder, scorer Scorer, opts Options) (*Matcher, error) {
	if scorer == nil {
		return nil, failure.Wrap(failure.ErrModelArtifact, "classifier", "no model loaded", nil)
	}
	if m, ok := scorer.(*Model); ok {
		if err := m.Validate(); err != nil {
			return nil, failure.Wrap(failure.ErrModelArtifact, "classifier", "invalid model", err)
		}
		if m.Weights.EmbedDim != embedder.Dim() {
			return nil, failure.Wrap(failure.ErrModelArtifact, "classifier",
				"model embedding dimension does not match the configured embedder", nil)
		}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.BatchRecords <= 0 {
		opts.BatchRecords = 256
	}
	return &Matcher{candidates: candidates, embedder: embedder, scorer: scorer, opts: opts}, nil
}

// Summary counts the outcome of a Classify pass.
type Summary struct {
	Classified  int `json:"classified"`
	Referents   int `json:"referents"`
	NoCandidate int `json:"no_candidate"`
}

type scored struct {
	entry      model.CatalogEntry
	similarity float64
	fieldMatch bool
	levelMatch bool
	prob       float64
}

// Classify annotates every record with IsNew set. Records that are not new
// are left untouched.
func (m *Matcher) Classify(ctx context.Context, recs []model.ProgramRecord) (Summary, error) {
	var sum Summary

	var pending []int
	for i := range recs {
		if recs[i].IsNew {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += m.opts.BatchRecords {
		batch := pending[start:min(start+m.opts.BatchRecords, len(pending))]
		names := make([]string, len(batch))
		for j, idx := range batch {
			names[j] = recs[idx].Name
		}
		vecs, err := m.embedder.EmbedBatch(ctx, names)
		if err != nil {
			return sum, eris.Wrap(err, "classifier: embed records")
		}

		for j, idx := range batch {
			found, err := m.classifyOne(ctx, &recs[idx], vecs[j])
			if err != nil {
				return sum, err
			}
			sum.Classified++
			if !found {
				sum.NoCandidate++
			}
			if recs[idx].IsReferent {
				sum.Referents++
			}
		}
	}

	zap.L().Info("classifier: records classified",
		zap.Int("classified", sum.Classified),
		zap.Int("referents", sum.Referents),
		zap.Int("no_candidate", sum.NoCandidate),
	)
	return sum, nil
}

func (m *Matcher) classifyOne(ctx context.Context, rec *model.ProgramRecord, vec []float32) (bool, error) {
	rec.ClearMatch()

	entries, vectors, err := m.candidates.CandidatesFor(ctx, rec.Level)
	if err != nil {
		return false, eris.Wrapf(err, "classifier: candidates for level %q", rec.Level)
	}
	if len(entries) == 0 {
		return false, nil
	}

	cands := make([]scored, len(entries))
	for i, e := range entries {
		cands[i] = scored{
			entry:      e,
			similarity: embedding.Cosine(vec, vectors[i]),
			fieldMatch: normalize.FieldsMatch(rec.BroadField, e.BroadField),
			levelMatch: normalize.LevelsMatch(rec.Level, e.Level),
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].similarity != cands[j].similarity {
			return cands[i].similarity > cands[j].similarity
		}
		return schema.CompareCodes(cands[i].entry.Code, cands[j].entry.Code) < 0
	})
	if len(cands) > m.opts.TopK {
		cands = cands[:m.opts.TopK]
	}

	best := -1
	for i := range cands {
		c := &cands[i]
		c.prob = m.scorer.Probability(Features(vec, c.similarity, c.fieldMatch, c.levelMatch), c.entry.Code, c.similarity)
		if best < 0 || c.prob > cands[best].prob ||
			(c.prob == cands[best].prob && schema.CompareCodes(c.entry.Code, cands[best].entry.Code) < 0) {
			best = i
		}
	}

	win := cands[best]
	rec.Confidence = win.prob
	rec.EmbeddingSimilarity = win.similarity
	rec.FieldSimilarityFlag = win.fieldMatch
	rec.LevelSimilarityFlag = win.levelMatch
	if win.prob >= m.opts.Threshold {
		rec.IsReferent = true
		rec.MatchedCatalogCode = model.StringPtr(win.entry.Code)
		rec.MatchedCatalogName = model.StringPtr(win.entry.Name)
	}
	return true, nil
}
