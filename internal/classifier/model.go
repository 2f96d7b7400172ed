// Package classifier decides whether an external program is the referent
// of a catalog program, using embedding similarity and a softmax model
// trained on labelled pairs.
package classifier

import (
	"math"

	"github.com/rotisserie/eris"
)

// Probability blend applied on top of the softmax output.
const (
	modelWeight      = 0.6
	similarityWeight = 0.4
	// unseenFactor scales similarity into a stand-in model probability for
	// catalog programs that never appeared in training.
	unseenFactor = 0.7
)

// LabelEncoder maps catalog codes onto class indices.
type LabelEncoder struct {
	Classes []string          `json:"classes"`
	Names   map[string]string `json:"names,omitempty"`

	index map[string]int
}

// NewLabelEncoder builds an encoder over classes, in order.
func NewLabelEncoder(classes []string, names map[string]string) *LabelEncoder {
	le := &LabelEncoder{Classes: classes, Names: names}
	le.reindex()
	return le
}

func (le *LabelEncoder) reindex() {
	le.index = make(map[string]int, len(le.Classes))
	for i, c := range le.Classes {
		le.index[c] = i
	}
}

// Index returns the class index of code.
func (le *LabelEncoder) Index(code string) (int, bool) {
	if le == nil {
		return 0, false
	}
	if le.index == nil {
		le.reindex()
	}
	i, ok := le.index[code]
	return i, ok
}

// Len returns the number of classes.
func (le *LabelEncoder) Len() int {
	if le == nil {
		return 0
	}
	return len(le.Classes)
}

// Weights are the learned softmax parameters.
type Weights struct {
	// Descriptor names the embedding function the model was trained with.
	Descriptor string      `json:"descriptor"`
	EmbedDim   int         `json:"embed_dim"`
	W          [][]float64 `json:"w"`
	B          []float64   `json:"b"`
}

// Model is a trained softmax regression over catalog codes.
type Model struct {
	Weights Weights
	Labels  *LabelEncoder
}

// Validate checks that the weights and labels agree in shape.
func (m *Model) Validate() error {
	if m == nil || m.Labels == nil {
		return eris.New("classifier: model has no label encoder")
	}
	k := m.Labels.Len()
	if len(m.Weights.W) != k || len(m.Weights.B) != k {
		return eris.Errorf("classifier: %d classes but %d weight rows and %d biases",
			k, len(m.Weights.W), len(m.Weights.B))
	}
	want := featureLen(m.Weights.EmbedDim)
	for i, row := range m.Weights.W {
		if len(row) != want {
			return eris.Errorf("classifier: weight row %d has %d features, want %d", i, len(row), want)
		}
	}
	return nil
}

// Predict returns the softmax class probabilities for a feature vector.
func (m *Model) Predict(features []float64) []float64 {
	k := len(m.Weights.W)
	if k == 0 {
		return nil
	}
	logits := make([]float64, k)
	for c := range k {
		z := m.Weights.B[c]
		row := m.Weights.W[c]
		for j := 0; j < len(row) && j < len(features); j++ {
			z += row[j] * features[j]
		}
		logits[c] = z
	}
	return softmax(logits)
}

// Probability scores one candidate: the blended probability that the record
// described by features is a referent of catalog program code.
func (m *Model) Probability(features []float64, code string, similarity float64) float64 {
	pModel := unseenFactor * similarity
	if idx, ok := m.Labels.Index(code); ok {
		if probs := m.Predict(features); idx < len(probs) {
			pModel = probs[idx]
		}
	}
	return clamp01(modelWeight*pModel + similarityWeight*similarity)
}

// Features assembles the classifier input for one candidate.
func Features(embedding []float32, similarity float64, fieldMatch, levelMatch bool) []float64 {
	f := make([]float64, 0, featureLen(len(embedding)))
	for _, x := range embedding {
		f = append(f, float64(x))
	}
	return append(f, similarity, boolFeature(fieldMatch), boolFeature(levelMatch))
}

func featureLen(embedDim int) int { return embedDim + 3 }

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func softmax(logits []float64) []float64 {
	maxZ := math.Inf(-1)
	for _, z := range logits {
		maxZ = math.Max(maxZ, z)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, z := range logits {
		out[i] = math.Exp(z - maxZ)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
