package tensor

import (
	"math"
)

// maskValue fills masked attention logits. It is finite so logit captures stay free of Inf.
const maskValue = -math.MaxFloat32

// Attention is causal grouped-query self-attention. MHA is the case
// NumKVHeads == NumHeads.
type Attention struct {
	NumHeads      int
	NumKVHeads    int
	HeadDim       int
	SlidingWindow int

	QWeight, KWeight, VWeight, OutWeight *Weight
	QBias, KBias, VBias, OutBias         *Tensor

	rope *RoPECache // nil for learned positions
}

// Forward runs attention over x [seq, hidden] and reports hooks 3, 4, 5, 6, 10 and 11.
func (a *Attention) Forward(x *Tensor, layer int, probe Probe) (*Tensor, error) {
	seqLen := x.Shape[0]

	Q := Linear(x, a.QWeight, a.QBias)
	K := Linear(x, a.KWeight, a.KBias)
	V := Linear(x, a.VWeight, a.VBias)

	if a.rope != nil {
		if err := a.rope.Apply(Q, a.NumHeads); err != nil {
			return nil, err
		}
		if err := a.rope.Apply(K, a.NumKVHeads); err != nil {
			return nil, err
		}
	}
	capture(probe, layer, HookQuery, Q)
	capture(probe, layer, HookKey, K)
	capture(probe, layer, HookValue, V)

	scores := a.scores(Q, K, seqLen)
	if wants(probe, layer, HookAttnLogits) {
		probe.Capture(layer, HookAttnLogits, scores.Clone())
	}
	SoftmaxRows(scores.Data, seqLen)
	capture(probe, layer, HookAttnWeights, scores)

	ctx := a.applyAttention(scores, V, seqLen)
	out := Linear(ctx, a.OutWeight, a.OutBias)
	capture(probe, layer, HookAttnOutput, out)
	return out, nil
}

// scores returns scaled, masked Q·Kᵀ as [heads, seq, seq]
func (a *Attention) scores(Q, K *Tensor, seqLen int) *Tensor {
	hd := a.HeadDim
	qWidth := a.NumHeads * hd
	kWidth := a.NumKVHeads * hd
	group := a.NumHeads / a.NumKVHeads
	scale := float32(1.0 / math.Sqrt(float64(hd)))

	scores := NewTensor(a.NumHeads, seqLen, seqLen)
	parallelFor(a.NumHeads, func(lo, hi int) {
		for h := lo; h < hi; h++ {
			kvh := h / group
			for i := 0; i < seqLen; i++ {
				q := Q.Data[i*qWidth+h*hd : i*qWidth+(h+1)*hd]
				row := scores.Data[(h*seqLen+i)*seqLen : (h*seqLen+i+1)*seqLen]
				for j := range row {
					if !a.visible(i, j) {
						row[j] = maskValue
						continue
					}
					k := K.Data[j*kWidth+kvh*hd : j*kWidth+(kvh+1)*hd]
					row[j] = dot(q, k) * scale
				}
			}
		}
	})
	return scores
}

// visible reports whether query i may attend to key j
func (a *Attention) visible(i, j int) bool {
	if j > i {
		return false
	}
	return a.SlidingWindow <= 0 || i-j < a.SlidingWindow
}

// applyAttention returns weights·V merged back to [seq, heads*head_dim]
func (a *Attention) applyAttention(weights, V *Tensor, seqLen int) *Tensor {
	hd := a.HeadDim
	width := a.NumHeads * hd
	kWidth := a.NumKVHeads * hd
	group := a.NumHeads / a.NumKVHeads

	out := NewTensor(seqLen, width)
	parallelFor(a.NumHeads, func(lo, hi int) {
		for h := lo; h < hi; h++ {
			kvh := h / group
			for i := 0; i < seqLen; i++ {
				w := weights.Data[(h*seqLen+i)*seqLen : (h*seqLen+i+1)*seqLen]
				dst := out.Data[i*width+h*hd : i*width+(h+1)*hd]
				for j, p := range w {
					if p == 0 {
						continue
					}
					v := V.Data[j*kWidth+kvh*hd : j*kWidth+(kvh+1)*hd]
					for d := range dst {
						dst[d] += p * v[d]
					}
				}
			}
		}
	})
	return out
}

func wants(probe Probe, layer int, hook Hook) bool {
	return probe != nil && probe.Wants(layer, hook)
}

func capture(probe Probe, layer int, hook Hook, t *Tensor) {
	if wants(probe, layer, hook) {
		probe.Capture(layer, hook, t)
	}
}
