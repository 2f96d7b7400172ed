package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/failure"
)

// ortEnv guards process-wide ONNX Runtime initialization.
var ortEnv struct {
	once sync.Once
	err  error
}

func initRuntime(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNXOptions locates a BERT-style sentence encoder exported to ONNX.
type ONNXOptions struct {
	ModelPath string
	VocabPath string
	// ProjectionPath optionally names a safetensors file holding a
	// "linear.weight" dense layer applied after pooling.
	ProjectionPath string
	// RuntimePath is the onnxruntime shared library. Defaults to
	// libonnxruntime.so next to the model.
	RuntimePath   string
	MaxSeqLen     int
	Threads       int
	BatchSize     int
	Workers       int
	MaxBatchBytes int64
}

// ONNX embeds text with a transformer encoder: WordPiece tokenization,
// inference, attention-masked mean pooling, optional projection and L2
// normalization.
type ONNX struct {
	opts       ONNXOptions
	session    *ort.DynamicAdvancedSession
	inputNames []string
	hiddenDim  int64
	tok        *tokenizer
	proj       *projection
	descriptor string
}

// NewONNX loads the runtime, model, vocabulary and projection. Close
// releases the session.
func NewONNX(opts ONNXOptions) (*ONNX, error) {
	if opts.ModelPath == "" || opts.VocabPath == "" {
		return nil, eris.New("embedding: onnx backend needs model_path and vocab_path")
	}
	if opts.RuntimePath == "" {
		opts.RuntimePath = filepath.Join(filepath.Dir(opts.ModelPath), "libonnxruntime.so")
	}
	if opts.Threads <= 0 {
		opts.Threads = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	tok, err := newTokenizer(opts.VocabPath, opts.MaxSeqLen)
	if err != nil {
		return nil, err
	}

	var proj *projection
	if opts.ProjectionPath != "" {
		if proj, err = loadProjection(opts.ProjectionPath); err != nil {
			return nil, err
		}
	}

	if err := initRuntime(opts.RuntimePath); err != nil {
		return nil, eris.Wrapf(err, "embedding: init onnx runtime %s", opts.RuntimePath)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, eris.Wrapf(err, "embedding: inspect model %s", opts.ModelPath)
	}
	inputNames, err := encoderInputs(inputs)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 || len(outputs[0].Dimensions) != 3 {
		return nil, eris.Errorf("embedding: model %s must output [batch, seq, hidden]", opts.ModelPath)
	}
	hidden := outputs[0].Dimensions[2]
	if proj != nil && int64(proj.inDim) != hidden {
		return nil, eris.Errorf("embedding: model hidden size %d does not match projection input %d", hidden, proj.inDim)
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, eris.Wrap(err, "embedding: session options")
	}
	defer so.Destroy() //nolint:errcheck
	if err := so.SetIntraOpNumThreads(opts.Threads); err != nil {
		return nil, eris.Wrap(err, "embedding: set intra-op threads")
	}
	if err := so.SetInterOpNumThreads(1); err != nil {
		return nil, eris.Wrap(err, "embedding: set inter-op threads")
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, inputNames, []string{outputs[0].Name}, so)
	if err != nil {
		return nil, eris.Wrapf(err, "embedding: create session for %s", opts.ModelPath)
	}

	e := &ONNX{
		opts:       opts,
		session:    session,
		inputNames: inputNames,
		hiddenDim:  hidden,
		tok:        tok,
		proj:       proj,
	}
	sum, err := fileDigest(opts.ModelPath, opts.VocabPath, opts.ProjectionPath)
	if err != nil {
		_ = session.Destroy()
		return nil, err
	}
	e.descriptor = fmt.Sprintf("onnx/%s sha256=%s dim=%d seq=%d", filepath.Base(opts.ModelPath), sum, e.Dim(), tok.maxLen)

	zap.L().Info("embedding: onnx model loaded",
		zap.String("model", opts.ModelPath),
		zap.Int64("hidden", hidden),
		zap.Int("dim", e.Dim()),
	)
	return e, nil
}

// encoderInputs orders the model's inputs. token_type_ids is optional;
// some encoders drop it.
func encoderInputs(inputs []ort.InputOutputInfo) ([]string, error) {
	have := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		have[in.Name] = true
	}
	for _, name := range []string{"input_ids", "attention_mask"} {
		if !have[name] {
			return nil, eris.Errorf("embedding: model lacks input %q", name)
		}
	}
	names := []string{"input_ids", "attention_mask"}
	if have["token_type_ids"] {
		names = append(names, "token_type_ids")
	}
	return names, nil
}

// Dim implements Embedder.
func (e *ONNX) Dim() int {
	if e.proj != nil {
		return e.proj.outDim
	}
	return int(e.hiddenDim)
}

// Descriptor implements Embedder. It pins the model, vocabulary and
// projection bytes so artifacts trained on another model are rejected.
func (e *ONNX) Descriptor() string { return e.descriptor }

// Embed implements Embedder.
func (e *ONNX) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.infer(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder.
func (e *ONNX) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkBudget(len(texts), e.Dim(), e.opts.MaxBatchBytes); err != nil {
		return nil, err
	}
	return inChunks(ctx, texts, e.opts.BatchSize, e.opts.Workers, e.infer)
}

// Close releases the inference session.
func (e *ONNX) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

func (e *ONNX) infer(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := e.tok.batch(texts)
	shape := ort.NewShape(b.batchSize, b.seqLen)

	feeds := map[string][]int64{
		"input_ids":      b.inputIDs,
		"attention_mask": b.attentionMask,
		"token_type_ids": b.tokenTypeIDs,
	}
	inputs := make([]ort.Value, 0, len(e.inputNames))
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for _, name := range e.inputNames {
		t, err := ort.NewTensor(shape, feeds[name])
		if err != nil {
			return nil, eris.Wrapf(err, "embedding: build %s tensor", name)
		}
		inputs = append(inputs, t)
	}

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(b.batchSize, b.seqLen, e.hiddenDim))
	if err != nil {
		return nil, failure.Wrap(failure.ErrResourceExhausted, "embedding",
			fmt.Sprintf("allocate output for %d texts; reduce embedding.batch_size", len(texts)), err)
	}
	defer out.Destroy() //nolint:errcheck

	if err := e.session.Run(inputs, []ort.Value{out}); err != nil {
		return nil, eris.Wrap(err, "embedding: onnx inference")
	}

	pooled := meanPool(out.GetData(), b.attentionMask, b.batchSize, b.seqLen, e.hiddenDim)
	vecs := make([][]float32, b.batchSize)
	for i := range vecs {
		v := pooled[int64(i)*e.hiddenDim : int64(i+1)*e.hiddenDim]
		if e.proj != nil {
			v = e.proj.apply(v)
		}
		vecs[i] = l2Normalize(v)
	}
	return vecs, nil
}

// meanPool averages hidden states [batch, seq, dim] over positions whose
// mask is 1. Rows with no unmasked position stay zero.
func meanPool(hidden []float32, mask []int64, batch, seq, dim int64) []float32 {
	out := make([]float32, batch*dim)
	for b := range batch {
		var n float32
		for s := range seq {
			if mask[b*seq+s] != 1 {
				continue
			}
			n++
			tok := hidden[(b*seq+s)*dim : (b*seq+s+1)*dim]
			row := out[b*dim : (b+1)*dim]
			for d := range row {
				row[d] += tok[d]
			}
		}
		if n == 0 {
			continue
		}
		row := out[b*dim : (b+1)*dim]
		for d := range row {
			row[d] /= n
		}
	}
	return out
}

func l2Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

// fileDigest hashes the named files in order, skipping empty names, and
// returns the first 12 hex digits.
func fileDigest(paths ...string) (string, error) {
	h := sha256.New()
	for _, p := range paths {
		if p == "" {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return "", eris.Wrapf(err, "embedding: open %s", p)
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", eris.Wrapf(err, "embedding: hash %s", p)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}
