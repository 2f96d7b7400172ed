package classifier

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/embedding"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
	"github.com/sells-group/referent-cli/internal/schema"
)

// TrainOptions configures gradient descent.
type TrainOptions struct {
	Epochs       int
	LearningRate float64
	L2           float64
}

type sample struct {
	x []float64
	y int
}

// Train fits a softmax model on the positive pairs, one class per catalog
// code. Weights start at zero and samples are visited in a fixed order, so
// the same inputs always produce the same model.
func Train(ctx context.Context, pairs []model.TrainingPair, emb embedding.Embedder, opts TrainOptions) (*Model, error) {
	if opts.Epochs <= 0 {
		opts.Epochs = 300
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.5
	}

	var positives []model.TrainingPair
	names := make(map[string]string)
	for _, p := range pairs {
		if !p.Label || p.CatalogCode == "" {
			continue
		}
		positives = append(positives, p)
		if _, ok := names[p.CatalogCode]; !ok {
			names[p.CatalogCode] = p.CatalogName
		}
	}

	classes := make([]string, 0, len(names))
	for code := range names {
		classes = append(classes, code)
	}
	sort.Slice(classes, func(i, j int) bool { return schema.CompareCodes(classes[i], classes[j]) < 0 })
	labels := NewLabelEncoder(classes, names)

	dim := emb.Dim()
	m := &Model{
		Weights: Weights{
			Descriptor: emb.Descriptor(),
			EmbedDim:   dim,
			W:          make([][]float64, len(classes)),
			B:          make([]float64, len(classes)),
		},
		Labels: labels,
	}
	for i := range m.Weights.W {
		m.Weights.W[i] = make([]float64, featureLen(dim))
	}

	if len(positives) == 0 {
		zap.L().Warn("classifier: no positive training pairs, every catalog program scores by similarity only")
		return m, nil
	}

	samples, err := buildSamples(ctx, positives, labels, emb)
	if err != nil {
		return nil, err
	}

	fit(m, samples, opts)

	zap.L().Info("classifier: trained",
		zap.Int("samples", len(samples)),
		zap.Int("classes", len(classes)),
		zap.Int("epochs", opts.Epochs),
	)
	return m, nil
}

func buildSamples(ctx context.Context, pairs []model.TrainingPair, labels *LabelEncoder, emb embedding.Embedder) ([]sample, error) {
	texts := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		texts = append(texts, p.ExternalName, p.CatalogName)
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "classifier: embed training pairs")
	}

	samples := make([]sample, 0, len(pairs))
	for i, p := range pairs {
		ext, cat := vecs[2*i], vecs[2*i+1]
		sim := embedding.Cosine(ext, cat)
		y, _ := labels.Index(p.CatalogCode)
		samples = append(samples, sample{
			x: Features(ext, sim,
				normalize.FieldsMatch(p.ExternalField, p.CatalogField),
				normalize.LevelsMatch(p.ExternalLevel, p.CatalogLevel)),
			y: y,
		})
	}
	return samples, nil
}

// fit runs full-batch gradient descent with L2 regularization.
func fit(m *Model, samples []sample, opts TrainOptions) {
	k := len(m.Weights.W)
	d := featureLen(m.Weights.EmbedDim)
	n := float64(len(samples))

	gradW := make([][]float64, k)
	for i := range gradW {
		gradW[i] = make([]float64, d)
	}
	gradB := make([]float64, k)

	for range opts.Epochs {
		for c := range k {
			clear(gradW[c])
		}
		clear(gradB)

		for _, s := range samples {
			probs := m.Predict(s.x)
			for c := range k {
				g := probs[c]
				if c == s.y {
					g--
				}
				if g == 0 {
					continue
				}
				row := gradW[c]
				for j, x := range s.x {
					row[j] += g * x
				}
				gradB[c] += g
			}
		}

		for c := range k {
			w := m.Weights.W[c]
			for j := range w {
				w[j] -= opts.LearningRate * (gradW[c][j]/n + opts.L2*w[j])
			}
			m.Weights.B[c] -= opts.LearningRate * gradB[c] / n
		}
	}
}
