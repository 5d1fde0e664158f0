package tensor

import "fmt"

// Hook identifies a point inside a decoder layer where activations can be read.
// The numbering is the extraction "location" used on the command line.
type Hook int

const (
	HookLayerInput   Hook = 1  // [seq, hidden]
	HookAttnNorm     Hook = 2  // [seq, hidden]
	HookQuery        Hook = 3  // [seq, heads*head_dim], after RoPE
	HookKey          Hook = 4  // [seq, kv_heads*head_dim], after RoPE
	HookValue        Hook = 5  // [seq, kv_heads*head_dim]
	HookAttnOutput   Hook = 6  // [seq, hidden], after o_proj
	HookAttnResidual Hook = 7  // [seq, hidden]
	HookMLPNorm      Hook = 8  // [seq, hidden]
	HookMLPOutput    Hook = 9  // [seq, hidden]
	HookAttnWeights  Hook = 10 // [heads, seq, seq], after softmax
	HookAttnLogits   Hook = 11 // [heads, seq, seq], scaled and masked
	HookLayerOutput  Hook = 12 // [seq, hidden]
)

var hookNames = map[Hook]string{
	HookLayerInput:   "layer_input",
	HookAttnNorm:     "attn_norm",
	HookQuery:        "query",
	HookKey:          "key",
	HookValue:        "value",
	HookAttnOutput:   "attn_output",
	HookAttnResidual: "attn_residual",
	HookMLPNorm:      "mlp_norm",
	HookMLPOutput:    "mlp_output",
	HookAttnWeights:  "attn_weights",
	HookAttnLogits:   "attn_logits",
	HookLayerOutput:  "layer_output",
}

func (h Hook) String() string {
	if n, ok := hookNames[h]; ok {
		return n
	}
	return fmt.Sprintf("hook(%d)", int(h))
}

// Valid reports whether h is one of the defined hook points
func (h Hook) Valid() bool {
	_, ok := hookNames[h]
	return ok
}

// IsAttentionMap reports whether the hook carries a [heads, seq, seq] map
func (h Hook) IsAttentionMap() bool {
	return h == HookAttnWeights || h == HookAttnLogits
}

// Hooks lists every hook in location order
func Hooks() []Hook {
	out := make([]Hook, 0, len(hookNames))
	for h := HookLayerInput; h <= HookLayerOutput; h++ {
		out = append(out, h)
	}
	return out
}

// Probe receives activations during Forward. Captured tensors are not
// modified by the model afterwards.
type Probe interface {
	Wants(layer int, hook Hook) bool
	Capture(layer int, hook Hook, t *Tensor)
}

// LayerLimiter is an optional Probe extension: Forward stops after the
// returned layer instead of running the whole stack.
type LayerLimiter interface {
	LastLayer() int
}
