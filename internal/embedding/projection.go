package embedding

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"

	"github.com/rotisserie/eris"
)

// projection is a bias-free dense layer, weights row-major [outDim, inDim].
type projection struct {
	weights []float32
	inDim   int
	outDim  int
}

// loadProjection reads the F32 "linear.weight" tensor of a safetensors file:
// an 8-byte little-endian header length, a JSON header, then raw data.
func loadProjection(path string) (*projection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "embedding: read projection")
	}
	if len(data) < 8 {
		return nil, eris.Errorf("embedding: projection %s is truncated", path)
	}
	hlen := binary.LittleEndian.Uint64(data[:8])
	if hlen > uint64(len(data)-8) {
		return nil, eris.Errorf("embedding: projection header length %d exceeds file", hlen)
	}
	body := data[8+hlen:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+hlen], &header); err != nil {
		return nil, eris.Wrap(err, "embedding: parse projection header")
	}
	raw, ok := header["linear.weight"]
	if !ok {
		return nil, eris.Errorf("embedding: projection %s has no linear.weight", path)
	}
	var meta struct {
		Dtype       string `json:"dtype"`
		Shape       []int  `json:"shape"`
		DataOffsets [2]int `json:"data_offsets"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, eris.Wrap(err, "embedding: parse projection tensor")
	}
	if meta.Dtype != "F32" || len(meta.Shape) != 2 {
		return nil, eris.Errorf("embedding: projection must be a 2-D F32 tensor, got %s %v", meta.Dtype, meta.Shape)
	}

	out, in := meta.Shape[0], meta.Shape[1]
	lo, hi := meta.DataOffsets[0], meta.DataOffsets[1]
	if lo < 0 || hi > len(body) || hi-lo != out*in*4 {
		return nil, eris.Errorf("embedding: projection data [%d:%d] does not fit shape %v", lo, hi, meta.Shape)
	}

	w := make([]float32, out*in)
	for i := range w {
		w[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[lo+i*4:]))
	}
	return &projection{weights: w, inDim: in, outDim: out}, nil
}

func (p *projection) apply(v []float32) []float32 {
	out := make([]float32, p.outDim)
	for i := range out {
		row := p.weights[i*p.inDim : (i+1)*p.inDim]
		var sum float32
		for j, w := range row {
			sum += w * v[j]
		}
		out[i] = sum
	}
	return out
}
