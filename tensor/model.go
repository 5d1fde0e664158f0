package tensor

import (
	"errors"
	"fmt"
)

var ErrEmptyInput = errors.New("empty token sequence")

// maxRoPECache bounds the precomputed rotary table for long-context configs
const maxRoPECache = 8192

// TransformerModel is a decoder-only transformer without the LM head
type TransformerModel struct {
	Config *ModelConfig

	TokenEmbedding *Weight // [vocab_size, hidden]
	PosEmbedding   *Tensor // [max_seq_len, hidden], learned positions only

	Blocks  []*Block
	LNFinal *LayerNormLayer
}

// Block is one pre-norm decoder layer
type Block struct {
	Attention *Attention
	FFN       *FeedForward
	AttnLN    *LayerNormLayer
	FFNLN     *LayerNormLayer
}

// FeedForward is either SwiGLU (gate, up, down) or a biased GELU MLP (up, down)
type FeedForward struct {
	Activation ActivationType

	Gate, Up, Down   *Weight
	UpBias, DownBias *Tensor
}

// LayerNormLayer wraps layer normalization with parameters
type LayerNormLayer struct {
	Weight *Tensor
	Bias   *Tensor
	Eps    float32
}

func (ln *LayerNormLayer) Forward(x *Tensor) *Tensor {
	return LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

// NewTransformerModel allocates the layer skeleton for config. Weights are set by the loader.
func NewTransformerModel(config *ModelConfig) *TransformerModel {
	model := &TransformerModel{
		Config:  config,
		Blocks:  make([]*Block, config.NumLayers),
		LNFinal: &LayerNormLayer{Eps: config.NormEps},
	}

	var rope *RoPECache
	if config.PositionType == PositionRoPE {
		rope = NewRoPECache(config.HeadDim, max(1, min(config.MaxSeqLen, maxRoPECache)), config.RoPEBase)
	}

	for i := range model.Blocks {
		model.Blocks[i] = &Block{
			Attention: &Attention{
				NumHeads:      config.NumHeads,
				NumKVHeads:    config.NumKVHeads,
				HeadDim:       config.HeadDim,
				SlidingWindow: config.SlidingWindow,
				rope:          rope,
			},
			FFN:    &FeedForward{Activation: config.ActivationType},
			AttnLN: &LayerNormLayer{Eps: config.NormEps},
			FFNLN:  &LayerNormLayer{Eps: config.NormEps},
		}
	}
	return model
}

// Forward runs tokenIDs through the decoder and returns the final normalized
// hidden states [seq, hidden]. When probe implements LayerLimiter the pass stops
// after that layer and the returned tensor is that layer's output.
func (m *TransformerModel) Forward(tokenIDs []int, probe Probe) (*Tensor, error) {
	if len(tokenIDs) == 0 {
		return nil, ErrEmptyInput
	}

	x, err := m.embed(tokenIDs)
	if err != nil {
		return nil, err
	}

	last := len(m.Blocks) - 1
	if l, ok := probe.(LayerLimiter); ok && l.LastLayer() >= 0 && l.LastLayer() < last {
		last = l.LastLayer()
	}

	for i := 0; i <= last; i++ {
		if x, err = m.Blocks[i].Forward(x, i, probe); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if last < len(m.Blocks)-1 {
		return x, nil
	}
	return m.LNFinal.Forward(x), nil
}

func (m *TransformerModel) embed(tokenIDs []int) (*Tensor, error) {
	seqLen := len(tokenIDs)
	hidden := m.Config.Hidden
	if m.PosEmbedding != nil && seqLen > m.PosEmbedding.Shape[0] {
		return nil, fmt.Errorf("sequence length %d exceeds %d learned positions", seqLen, m.PosEmbedding.Shape[0])
	}

	x := NewTensor(seqLen, hidden)
	vocab := m.TokenEmbedding.Rows()
	for i, id := range tokenIDs {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("token id %d at position %d outside vocabulary of %d", id, i, vocab)
		}
		row := x.Data[i*hidden : (i+1)*hidden]
		m.TokenEmbedding.Row(id, row)
		if m.PosEmbedding != nil {
			pos := m.PosEmbedding.Data[i*hidden : (i+1)*hidden]
			for j := range row {
				row[j] += pos[j]
			}
		}
	}
	return x, nil
}

// Forward applies the block and reports every hook point to probe
func (b *Block) Forward(x *Tensor, layer int, probe Probe) (*Tensor, error) {
	capture(probe, layer, HookLayerInput, x)

	h := b.AttnLN.Forward(x)
	capture(probe, layer, HookAttnNorm, h)

	attn, err := b.Attention.Forward(h, layer, probe)
	if err != nil {
		return nil, err
	}
	x = Add(x, attn)
	capture(probe, layer, HookAttnResidual, x)

	h = b.FFNLN.Forward(x)
	capture(probe, layer, HookMLPNorm, h)

	mlp := b.FFN.Forward(h)
	capture(probe, layer, HookMLPOutput, mlp)

	x = Add(x, mlp)
	capture(probe, layer, HookLayerOutput, x)
	return x, nil
}

func (ffn *FeedForward) Forward(x *Tensor) *Tensor {
	if ffn.Activation == ActivationSwiGLU {
		gate := SiLU(Linear(x, ffn.Gate, nil))
		up := Linear(x, ffn.Up, nil)
		for i := range gate.Data {
			gate.Data[i] *= up.Data[i]
		}
		return Linear(gate, ffn.Down, nil)
	}
	h := GELU(Linear(x, ffn.Up, ffn.UpBias))
	return Linear(h, ffn.Down, ffn.DownBias)
}

// NumLayers is the decoder depth
func (m *TransformerModel) NumLayers() int { return len(m.Blocks) }
