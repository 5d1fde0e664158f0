package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"sort"

	"emotion-attention/extract"
	"emotion-attention/registry"
	"emotion-attention/tensor"
	"emotion-attention/tokenizer"
)

func main() {
	modelID := flag.String("model", "mistralai/Ministral-8B-Instruct-2410", "Model id")
	modelDir := flag.String("model-dir", "", "Explicit model directory")
	text := flag.String("prompt", "", "Run one forward pass on this prompt and show where the last token attends")
	top := flag.Int("top", 5, "Attended positions listed per layer")
	tok := flag.String("tokenizer", "hf", "Tokenizer backend: hf or ffi")
	flag.Parse()

	dir, err := registry.Resolve(*modelID, *modelDir)
	if err != nil {
		log.Fatalf("Failed to resolve model: %v", err)
	}
	model, err := tensor.LoadModelFromDirectory(dir)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}

	cfg := model.Config
	fmt.Printf("=== %s (%s) ===\n", cfg.ModelName, cfg.Architecture)
	fmt.Printf("hidden=%d, layers=%d, num_heads=%d, num_kv_heads=%d, head_dim=%d, ffn=%d, vocab=%d\n",
		cfg.Hidden, cfg.NumLayers, cfg.NumHeads, cfg.NumKVHeads, cfg.HeadDim, cfg.FFNDim, cfg.VocabSize)

	fmt.Printf("\nToken Embedding: %v %s\n", model.TokenEmbedding.Shape, model.TokenEmbedding.DType)
	fmt.Printf("  %s\n", weightStats(model.TokenEmbedding))

	for i, block := range model.Blocks {
		fmt.Printf("\n=== Layer %d ===\n", i)
		attn := block.Attention
		for _, w := range []struct {
			name string
			w    *tensor.Weight
		}{
			{"q_proj", attn.QWeight}, {"k_proj", attn.KWeight}, {"v_proj", attn.VWeight}, {"o_proj", attn.OutWeight},
			{"up_proj", block.FFN.Up}, {"down_proj", block.FFN.Down},
		} {
			fmt.Printf("%-9s %v: %s\n", w.name, w.w.Shape, weightStats(w.w))
		}
	}

	if *text == "" {
		return
	}

	t, err := tokenizer.Open(dir, tokenizer.WithBackend(*tok))
	if err != nil {
		log.Fatalf("Failed to open tokenizer: %v", err)
	}
	defer t.Close()
	enc, err := t.Encode(*text)
	if err != nil {
		log.Fatalf("Failed to encode: %v", err)
	}
	enc = tokenizer.Unpad(enc)
	st := t.Special()
	fmt.Printf("\nSpecial tokens: bos=%q eos=%q pad=%q (pad_id=%d)\n", st.BOS, st.EOS, st.Pad, t.PadID())
	fmt.Printf("Prompt: %q\nTokens: %q\n", *text, enc.Tokens)

	keys := make([]extract.Key, model.NumLayers())
	for l := range keys {
		keys[l] = extract.Key{Layer: l, Location: tensor.HookAttnWeights}
	}
	acts, err := extract.NewModelBackend(model).Forward(context.Background(), enc.IDs, keys)
	if err != nil {
		log.Fatalf("Forward pass failed: %v", err)
	}

	fmt.Println("\n=== Last token attention (mean over heads) ===")
	for _, k := range keys {
		fmt.Printf("layer %2d:", k.Layer)
		for _, p := range topAttended(acts[k], *top) {
			fmt.Printf("  %q=%.3f", enc.Tokens[p.pos], p.weight)
		}
		fmt.Println()
	}
}

type summary struct {
	min, max, mean float64
	nan, inf       int
}

func (s summary) String() string {
	out := fmt.Sprintf("min=%.6f, max=%.6f, mean=%.6f", s.min, s.max, s.mean)
	if s.nan+s.inf > 0 {
		out += fmt.Sprintf(" (nan=%d, inf=%d)", s.nan, s.inf)
	}
	return out
}

// weightStats decodes w one row at a time
func weightStats(w *tensor.Weight) summary {
	if w == nil || w.Len() == 0 {
		return summary{}
	}
	s := summary{min: math.Inf(1), max: math.Inf(-1)}
	row := make([]float32, w.Cols())
	var sum float64
	for i := 0; i < w.Rows(); i++ {
		w.Row(i, row)
		nan, inf := tensor.CountNonFinite(row)
		s.nan += nan
		s.inf += inf
		for _, v := range row {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			s.min = math.Min(s.min, f)
			s.max = math.Max(s.max, f)
			sum += f
		}
	}
	if n := w.Len() - s.nan - s.inf; n > 0 {
		s.mean = sum / float64(n)
	}
	return s
}

type attended struct {
	pos    int
	weight float64
}

// topAttended averages the last query row of a [heads, seq, seq] map over
// heads and returns the k largest key positions.
func topAttended(weights *tensor.Tensor, k int) []attended {
	heads, seq := weights.Shape[0], weights.Shape[1]
	out := make([]attended, seq)
	for h := 0; h < heads; h++ {
		row := weights.Data[(h*seq+seq-1)*seq : (h*seq+seq)*seq]
		for j, v := range row {
			out[j].pos = j
			out[j].weight += float64(v) / float64(heads)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].weight > out[j].weight })
	return out[:min(k, len(out))]
}
