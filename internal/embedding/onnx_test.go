package embedding

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/referent-cli/internal/config"
)

func writeVocab(t *testing.T, tokens ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	all := append([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]"}, tokens...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(all, "\n")+"\n"), 0o644))
	return path
}

func writeProjection(t *testing.T, out, in int, weights []float32) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{
		"linear.weight": map[string]any{
			"dtype":        "F32",
			"shape":        []int{out, in},
			"data_offsets": []int{0, out * in * 4},
		},
	})
	require.NoError(t, err)

	buf := make([]byte, 8, 8+len(header)+len(weights)*4)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	for _, w := range weights {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(w))
	}
	path := filepath.Join(t.TempDir(), "projection.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestTokenizer_WordpieceAndAccents(t *testing.T) {
	tok, err := newTokenizer(writeVocab(t, "ingenieria", "de", "sis", "##temas", ","), 0)
	require.NoError(t, err)

	// ids: [PAD]=0 [UNK]=1 [CLS]=2 [SEP]=3 ingenieria=4 de=5 sis=6 ##temas=7 ,=8
	assert.Equal(t, []int64{2, 4, 5, 6, 7, 8, 1, 3}, tok.encode("Ingeniería de SISTEMAS, música"))
}

func TestTokenizer_Truncates(t *testing.T) {
	tok, err := newTokenizer(writeVocab(t, "a"), 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 4, 3}, tok.encode("a a a a a"))
}

func TestTokenizer_BatchPadsToLongest(t *testing.T) {
	tok, err := newTokenizer(writeVocab(t, "a", "b"), 0)
	require.NoError(t, err)

	b := tok.batch([]string{"a", "a b a"})
	assert.Equal(t, int64(2), b.batchSize)
	assert.Equal(t, int64(5), b.seqLen)
	assert.Equal(t, []int64{2, 4, 3, 0, 0, 2, 4, 5, 4, 3}, b.inputIDs)
	assert.Equal(t, []int64{1, 1, 1, 0, 0, 1, 1, 1, 1, 1}, b.attentionMask)
	assert.Len(t, b.tokenTypeIDs, 10)
}

func TestLoadVocab_Errors(t *testing.T) {
	_, err := loadVocab(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("[PAD]\n[UNK]\n[SEP]\nhola\n"), 0o644))
	_, err = loadVocab(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[CLS]")
}

func TestMeanPool_IgnoresPadding(t *testing.T) {
	// batch 2, seq 2, dim 2
	hidden := []float32{
		1, 2, 100, 100,
		3, 4, 5, 6,
	}
	mask := []int64{1, 0, 1, 1}
	got := meanPool(hidden, mask, 2, 2, 2)
	assert.Equal(t, []float32{1, 2, 4, 5}, got)

	zero := meanPool([]float32{9, 9}, []int64{0}, 1, 1, 2)
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestL2Normalize(t *testing.T) {
	v := l2Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, l2Normalize([]float32{0, 0}))
}

func TestProjection_LoadAndApply(t *testing.T) {
	path := writeProjection(t, 2, 3, []float32{1, 0, 0, 0, 1, 1})
	p, err := loadProjection(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.inDim)
	assert.Equal(t, 2, p.outDim)
	assert.Equal(t, []float32{1, 5}, p.apply([]float32{1, 2, 3}))
}

func TestProjection_RejectsBadFiles(t *testing.T) {
	short := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{1, 2}, 0o644))
	_, err := loadProjection(short)
	assert.Error(t, err)

	// Declares 2x3 but carries 2x2 worth of data.
	path := writeProjection(t, 2, 3, []float32{1, 2, 3, 4})
	_, err = loadProjection(path)
	assert.Error(t, err)
}

func TestNew_SelectsBackend(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Dim: 16})
	require.NoError(t, err)
	assert.IsType(t, &Hashing{}, e)
	assert.Equal(t, 16, e.Dim())

	_, err = New(config.EmbeddingConfig{Backend: "word2vec"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")

	_, err = New(config.EmbeddingConfig{Backend: BackendONNX})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_path")

	_, err = New(config.EmbeddingConfig{
		Backend:   BackendONNX,
		ModelPath: filepath.Join(t.TempDir(), "encoder.onnx"),
		VocabPath: filepath.Join(t.TempDir(), "vocab.txt"),
	})
	assert.Error(t, err)
}

func TestFileDigest(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(a, []byte("model"), 0o644))

	d1, err := fileDigest(a, "")
	require.NoError(t, err)
	assert.Len(t, d1, 12)

	require.NoError(t, os.WriteFile(a, []byte("other model"), 0o644))
	d2, err := fileDigest(a)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)

	_, err = fileDigest(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

// Runs against a real encoder when REFERENT_TEST_ONNX_MODEL and
// REFERENT_TEST_ONNX_VOCAB point at one.
func TestONNX_Live(t *testing.T) {
	modelPath := os.Getenv("REFERENT_TEST_ONNX_MODEL")
	vocabPath := os.Getenv("REFERENT_TEST_ONNX_VOCAB")
	if modelPath == "" || vocabPath == "" {
		t.Skip("REFERENT_TEST_ONNX_MODEL / REFERENT_TEST_ONNX_VOCAB not set")
	}

	e, err := NewONNX(ONNXOptions{
		ModelPath:   modelPath,
		VocabPath:   vocabPath,
		RuntimePath: os.Getenv("REFERENT_TEST_ONNX_RUNTIME"),
		BatchSize:   2,
	})
	require.NoError(t, err)
	defer e.Close() //nolint:errcheck

	ctx := context.Background()
	texts := []string{"Ingeniería de Sistemas", "Ingenieria de sistemas y computacion", "Licenciatura en Música"}
	vecs, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, e.Dim())
	}
	assert.Greater(t, Cosine(vecs[0], vecs[1]), Cosine(vecs[0], vecs[2]))

	single, err := e.Embed(ctx, texts[0])
	require.NoError(t, err)
	assert.InDelta(t, 1.0, Cosine(single, vecs[0]), 1e-4)
	assert.True(t, strings.HasPrefix(e.Descriptor(), "onnx/"))
}
