package tensor

import (
	"fmt"
	"math"
)

// RoPECache stores precomputed cos/sin tables for rotate-half rotary embeddings,
// the layout HF Llama and Mistral checkpoints are trained with.
type RoPECache struct {
	Cos       []float32 // [max_seq_len, head_dim/2]
	Sin       []float32
	HeadDim   int
	MaxSeqLen int
	Base      float64
}

func NewRoPECache(headDim, maxSeqLen int, base float64) *RoPECache {
	half := headDim / 2
	rc := &RoPECache{
		Cos:       make([]float32, maxSeqLen*half),
		Sin:       make([]float32, maxSeqLen*half),
		HeadDim:   headDim,
		MaxSeqLen: maxSeqLen,
		Base:      base,
	}
	for pos := 0; pos < maxSeqLen; pos++ {
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
			angle := float64(pos) * freq
			rc.Cos[pos*half+i] = float32(math.Cos(angle))
			rc.Sin[pos*half+i] = float32(math.Sin(angle))
		}
	}
	return rc
}

// Apply rotates x [seq, heads*head_dim] in place. Row s is at position s.
func (rc *RoPECache) Apply(x *Tensor, numHeads int) error {
	seqLen := x.Shape[0]
	if seqLen > rc.MaxSeqLen {
		return fmt.Errorf("sequence length %d exceeds rotary cache of %d", seqLen, rc.MaxSeqLen)
	}
	half := rc.HeadDim / 2
	width := numHeads * rc.HeadDim

	for s := 0; s < seqLen; s++ {
		cos := rc.Cos[s*half : (s+1)*half]
		sin := rc.Sin[s*half : (s+1)*half]
		for h := 0; h < numHeads; h++ {
			v := x.Data[s*width+h*rc.HeadDim : s*width+(h+1)*rc.HeadDim]
			for i := 0; i < half; i++ {
				a, b := v[i], v[i+half]
				v[i] = a*cos[i] - b*sin[i]
				v[i+half] = b*cos[i] + a*sin[i]
			}
		}
	}
	return nil
}
