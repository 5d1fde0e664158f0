package extract

import (
	"context"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"emotion-attention/tensor"
)

// randomPrompts draws token sequences with lengths in [minLen, maxLen]
func randomPrompts(n, minLen, maxLen, vocab int) [][]int {
	r := rand.New(rand.NewPCG(1, 2))
	out := make([][]int, n)
	for i := range out {
		ids := make([]int, minLen+r.IntN(maxLen-minLen+1))
		for j := range ids {
			ids[j] = r.IntN(vocab)
		}
		out[i] = ids
	}
	return out
}

func BenchmarkNativeForward(b *testing.B) {
	m := tinyModel()
	backend := NewModelBackend(m)
	prompts := randomPrompts(64, 4, m.Config.MaxSeqLen, m.Config.VocabSize)
	keys := []Key{
		{Layer: 0, Location: tensor.HookAttnWeights},
		{Layer: 1, Location: tensor.HookAttnWeights},
		{Layer: 1, Location: tensor.HookLayerOutput},
	}

	ctx := context.Background()
	tokens := 0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ids := prompts[i%len(prompts)]
		if _, err := backend.Forward(ctx, ids, keys); err != nil {
			b.Fatal(err)
		}
		tokens += len(ids)
	}
	b.ReportMetric(float64(tokens)/b.Elapsed().Seconds(), "tokens/s")
}

func BenchmarkRun(b *testing.B) {
	words := strings.Fields("a b c d e f g h")
	prompts := make([]string, 256)
	r := rand.New(rand.NewPCG(3, 4))
	for i := range prompts {
		n := 1 + r.IntN(len(words))
		prompts[i] = strings.Join(words[:n], " ")
	}
	loader := loaderFor(b, prompts, 8)

	for _, cache := range []bool{false, true} {
		name := "cache=off"
		if cache {
			name = "cache=on"
		}
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				ex, err := New(&fakeBackend{layers: 4}, Request{Locations: []int{10, 12}, Tokens: []int{-1, 0}},
					WithCache(cache), WithProgress(false, io.Discard))
				if err != nil {
					b.Fatal(err)
				}
				if _, err := ex.Run(context.Background(), loader, wordTokenizer{}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
