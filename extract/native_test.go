package extract

import (
	"context"
	"testing"

	"emotion-attention/tensor"
)

func filled(n int, f func(i int) float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

// tinyModel builds a 2-layer GQA decoder with deterministic weights
func tinyModel() *tensor.TransformerModel {
	cfg := &tensor.ModelConfig{
		Architecture:   tensor.ArchLlama,
		VocabSize:      8,
		Hidden:         4,
		NumLayers:      2,
		NumHeads:       2,
		NumKVHeads:     1,
		HeadDim:        2,
		FFNDim:         6,
		MaxSeqLen:      16,
		NormType:       tensor.NormRMS,
		PositionType:   tensor.PositionRoPE,
		ActivationType: tensor.ActivationSwiGLU,
		RoPEBase:       10000,
		NormEps:        1e-6,
	}
	m := tensor.NewTransformerModel(cfg)
	weight := func(seed, rows, cols int) *tensor.Weight {
		return tensor.NewWeight(tensor.FromData(filled(rows*cols, func(i int) float32 {
			return float32((i*7+seed*13)%11-5) * 0.1
		}), rows, cols))
	}
	ones := func(n int) *tensor.Tensor { return tensor.FromData(filled(n, func(int) float32 { return 1 }), n) }

	m.TokenEmbedding = weight(1, 8, 4)
	m.LNFinal.Weight = ones(4)
	for i, b := range m.Blocks {
		b.AttnLN.Weight = ones(4)
		b.FFNLN.Weight = ones(4)
		b.Attention.QWeight = weight(10*i+2, 4, 4)
		b.Attention.KWeight = weight(10*i+3, 2, 4)
		b.Attention.VWeight = weight(10*i+4, 2, 4)
		b.Attention.OutWeight = weight(10*i+5, 4, 4)
		b.FFN.Gate = weight(10*i+6, 6, 4)
		b.FFN.Up = weight(10*i+7, 6, 4)
		b.FFN.Down = weight(10*i+8, 4, 6)
	}
	return m
}

func TestNativeBackendForward(t *testing.T) {
	b := NewModelBackend(tinyModel())
	if b.NumLayers() != 2 || !b.Supports(tensor.HookAttnLogits) {
		t.Fatalf("unexpected backend capabilities")
	}

	keys := []Key{{Layer: 0, Location: tensor.HookAttnWeights}, {Layer: 0, Location: tensor.HookQuery}}
	acts, err := b.Forward(context.Background(), []int{1, 2, 3}, keys)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(acts) != 2 {
		t.Errorf("Expected exactly the requested activations, got %d", len(acts))
	}
	w := acts[keys[0]]
	if w.Shape[0] != 2 || w.Shape[1] != 3 || w.Shape[2] != 3 {
		t.Fatalf("unexpected attention shape %v", w.Shape)
	}
	for h := 0; h < 2; h++ {
		var sum float32
		for j := 0; j < 3; j++ {
			sum += w.At(h, 2, j)
		}
		if sum < 0.9999 || sum > 1.0001 {
			t.Errorf("head %d: last row sums to %v", h, sum)
		}
	}
}

func TestNativeBackendExtraction(t *testing.T) {
	ex, err := New(NewModelBackend(tinyModel()), Request{Layers: []int{1}, Locations: []int{10, 12}, Tokens: []int{-1}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ex.Run(context.Background(), loaderFor(t, []string{"i won the lottery", "rain"}, 2), wordTokenizer{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	long, _ := res.Records[0].Find(1, 10, -1)
	short, _ := res.Records[1].Find(1, 10, -1)
	if long.Shape[1] != 4 || short.Shape[1] != 1 {
		t.Errorf("attention rows should span the unpadded prompt: %v %v", long.Shape, short.Shape)
	}
	if short.Values[0] != 1 || short.Values[1] != 1 {
		t.Errorf("single-token prompt attends only to itself, got %v", short.Values)
	}
	out, _ := res.Records[0].Find(1, 12, -1)
	if len(out.Values) != 4 {
		t.Errorf("Expected hidden-size row, got %v", out.Shape)
	}
}

func TestKeyProbe(t *testing.T) {
	p := newKeyProbe([]Key{{Layer: 3, Location: tensor.HookValue}, {Layer: 1, Location: tensor.HookKey}})
	if p.LastLayer() != 3 {
		t.Errorf("Expected last layer 3, got %d", p.LastLayer())
	}
	if !p.Wants(1, tensor.HookKey) || p.Wants(1, tensor.HookValue) {
		t.Errorf("probe wants the wrong hooks")
	}
}

func TestNativeBackendDevice(t *testing.T) {
	if _, err := NewNativeBackend(t.TempDir(), "cuda"); err == nil {
		t.Errorf("expected error for a gpu device")
	}
}
