// Package embedding maps program names onto fixed-size vectors whose cosine
// similarity reflects textual similarity.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// Embedder computes embeddings. Implementations must be deterministic and
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
	// Descriptor identifies the function so stored models can detect a mismatch.
	Descriptor() string
}

// Options configures a Hashing embedder.
type Options struct {
	Dim           int
	BatchSize     int
	Workers       int
	MaxBatchBytes int64
}

// Hashing embeds folded text as signed hashed character trigrams plus whole
// words, L2-normalized. Texts that fold to the same string embed identically.
type Hashing struct {
	opts Options
}

// NewHashing returns a Hashing embedder, filling zero options with defaults.
func NewHashing(opts Options) *Hashing {
	if opts.Dim <= 0 {
		opts.Dim = 256
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = 64 << 20
	}
	return &Hashing{opts: opts}
}

// Dim implements Embedder.
func (h *Hashing) Dim() int { return h.opts.Dim }

// Descriptor implements Embedder.
func (h *Hashing) Descriptor() string {
	return fmt.Sprintf("hashing-ngram/v1 dim=%d n=3", h.opts.Dim)
}

// Embed implements Embedder.
func (h *Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

// EmbedBatch implements Embedder. Work is split into chunks of BatchSize
// processed by up to Workers goroutines; output order matches texts.
func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkBudget(len(texts), h.opts.Dim, h.opts.MaxBatchBytes); err != nil {
		return nil, err
	}
	return inChunks(ctx, texts, h.opts.BatchSize, h.opts.Workers, func(_ context.Context, chunk []string) ([][]float32, error) {
		out := make([][]float32, len(chunk))
		for i, text := range chunk {
			out[i] = h.vector(text)
		}
		return out, nil
	})
}

// checkBudget rejects batches whose output vectors alone exceed budget bytes.
func checkBudget(texts, dim int, budget int64) error {
	need := int64(texts) * int64(dim) * 4
	if budget > 0 && need > budget {
		return failure.Wrap(failure.ErrResourceExhausted, "embedding",
			fmt.Sprintf("batch of %d texts needs %d bytes, budget is %d; reduce embedding.batch_size or raise embedding.max_batch_bytes",
				texts, need, budget), nil)
	}
	return nil
}

// inChunks runs fn over consecutive chunks of at most size texts on up to
// workers goroutines and reassembles the results in input order.
func inChunks(ctx context.Context, texts []string, size, workers int, fn func(ctx context.Context, chunk []string) ([][]float32, error)) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for start := 0; start < len(texts); start += max(size, 1) {
		end := min(start+max(size, 1), len(texts))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vecs, err := fn(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "embedding: batch")
	}
	zap.L().Debug("embedding: batch complete", zap.Int("texts", len(texts)))
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.opts.Dim)
	folded := normalize.Text(text)
	if folded == "" {
		return v
	}

	padded := []rune(" " + folded + " ")
	for i := 0; i+3 <= len(padded); i++ {
		h.add(v, "c:"+string(padded[i:i+3]), 1)
	}
	for _, w := range splitWords(folded) {
		h.add(v, "w:"+w, 2)
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func (h *Hashing) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(len(v)))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, c))
}

// Backend names accepted by New.
const (
	BackendHashing = "hashing"
	BackendONNX    = "onnx"
)

// New builds the embedder selected by cfg.Backend. An empty backend means
// hashing.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Backend {
	case "", BackendHashing:
		return NewHashing(Options{
			Dim:           cfg.Dim,
			BatchSize:     cfg.BatchSize,
			Workers:       cfg.Workers,
			MaxBatchBytes: cfg.MaxBatchBytes,
		}), nil
	case BackendONNX:
		return NewONNX(ONNXOptions{
			ModelPath:      cfg.ModelPath,
			VocabPath:      cfg.VocabPath,
			ProjectionPath: cfg.ProjectionPath,
			RuntimePath:    cfg.RuntimePath,
			MaxSeqLen:      cfg.MaxSeqLen,
			Threads:        cfg.Threads,
			BatchSize:      cfg.BatchSize,
			Workers:        cfg.Workers,
			MaxBatchBytes:  cfg.MaxBatchBytes,
		})
	default:
		return nil, eris.Errorf("embedding: unknown backend %q", cfg.Backend)
	}
}
