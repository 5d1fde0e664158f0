package tensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ModelArchitecture names a supported decoder family
type ModelArchitecture string

const (
	ArchGPT2    ModelArchitecture = "gpt2"    // MHA, learned positions, LayerNorm, GELU
	ArchLlama   ModelArchitecture = "llama"   // GQA, RoPE, RMSNorm, SwiGLU
	ArchMistral ModelArchitecture = "mistral" // Llama plus sliding-window attention
	ArchQwen2   ModelArchitecture = "qwen2"   // Llama plus q/k/v biases
)

// NormType defines the normalization layer
type NormType string

const (
	NormLayer NormType = "layernorm"
	NormRMS   NormType = "rmsnorm"
)

// PositionType defines position encoding
type PositionType string

const (
	PositionLearned PositionType = "learned"
	PositionRoPE    PositionType = "rope"
)

// ActivationType defines the MLP shape
type ActivationType string

const (
	ActivationGELU   ActivationType = "gelu"
	ActivationSwiGLU ActivationType = "swiglu"
)

var ErrUnsupportedArchitecture = errors.New("unsupported architecture")

// ModelConfig holds the fields of a HF config.json the forward pass needs
type ModelConfig struct {
	Architecture ModelArchitecture
	ModelName    string

	VocabSize  int
	Hidden     int
	NumLayers  int
	NumHeads   int // query heads
	NumKVHeads int // equals NumHeads for MHA
	HeadDim    int
	FFNDim     int
	MaxSeqLen  int

	NormType       NormType
	PositionType   PositionType
	ActivationType ActivationType

	RoPEBase      float64
	NormEps       float32
	SlidingWindow int  // 0 disables
	AttentionBias bool // q/k/v projections carry biases

	EOSTokenID int
	BOSTokenID int
}

func newGPT2Config() *ModelConfig {
	return &ModelConfig{
		Architecture:   ArchGPT2,
		VocabSize:      50257,
		Hidden:         768,
		NumLayers:      12,
		NumHeads:       12,
		MaxSeqLen:      1024,
		NormType:       NormLayer,
		PositionType:   PositionLearned,
		ActivationType: ActivationGELU,
		NormEps:        1e-5,
		AttentionBias:  true,
		EOSTokenID:     50256,
		BOSTokenID:     50256,
	}
}

func newLlamaConfig(arch ModelArchitecture) *ModelConfig {
	return &ModelConfig{
		Architecture:   arch,
		VocabSize:      32000,
		Hidden:         4096,
		NumLayers:      32,
		NumHeads:       32,
		FFNDim:         11008,
		MaxSeqLen:      4096,
		NormType:       NormRMS,
		PositionType:   PositionRoPE,
		ActivationType: ActivationSwiGLU,
		RoPEBase:       10000.0,
		NormEps:        1e-6,
		AttentionBias:  arch == ArchQwen2,
		EOSTokenID:     2,
		BOSTokenID:     1,
	}
}

// LoadModelConfig reads a HF config.json.
func LoadModelConfig(configPath string) (*ModelConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseModelConfig(data)
}

// ParseModelConfig builds a config from config.json bytes. model_type picks
// the family defaults; explicit fields override them.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	modelType, _ := raw["model_type"].(string)
	var config *ModelConfig
	switch modelType {
	case "gpt2":
		config = newGPT2Config()
	case "llama":
		config = newLlamaConfig(ArchLlama)
	case "mistral":
		config = newLlamaConfig(ArchMistral)
	case "qwen2":
		config = newLlamaConfig(ArchQwen2)
	default:
		return nil, fmt.Errorf("%w: model_type %q", ErrUnsupportedArchitecture, modelType)
	}
	config.ModelName, _ = raw["_name_or_path"].(string)

	setInt := func(dst *int, keys ...string) {
		for _, k := range keys {
			if v, ok := raw[k].(float64); ok {
				*dst = int(v)
			}
		}
	}
	setInt(&config.VocabSize, "vocab_size")
	setInt(&config.Hidden, "n_embd", "hidden_size")
	setInt(&config.NumLayers, "n_layer", "num_hidden_layers")
	setInt(&config.NumHeads, "n_head", "num_attention_heads")
	setInt(&config.NumKVHeads, "num_key_value_heads")
	setInt(&config.HeadDim, "head_dim")
	setInt(&config.FFNDim, "n_inner", "intermediate_size")
	setInt(&config.MaxSeqLen, "n_positions", "max_position_embeddings")
	setInt(&config.EOSTokenID, "eos_token_id")
	setInt(&config.BOSTokenID, "bos_token_id")
	setInt(&config.SlidingWindow, "sliding_window")

	if v, ok := raw["rope_theta"].(float64); ok {
		config.RoPEBase = v
	}
	if v, ok := raw["rms_norm_eps"].(float64); ok {
		config.NormEps = float32(v)
	}
	if v, ok := raw["layer_norm_epsilon"].(float64); ok {
		config.NormEps = float32(v)
	}
	if v, ok := raw["attention_bias"].(bool); ok {
		config.AttentionBias = v
	}
	// Qwen2 keeps sliding_window in the file but only applies it when use_sliding_window is set
	if v, ok := raw["use_sliding_window"].(bool); ok && !v {
		config.SlidingWindow = 0
	}

	if config.NumKVHeads == 0 {
		config.NumKVHeads = config.NumHeads
	}
	if config.HeadDim == 0 && config.NumHeads > 0 {
		config.HeadDim = config.Hidden / config.NumHeads
	}
	if config.FFNDim == 0 {
		config.FFNDim = 4 * config.Hidden
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the dimensions are consistent.
func (c *ModelConfig) Validate() error {
	switch {
	case c.Hidden <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0:
		return fmt.Errorf("invalid model dimensions: hidden=%d layers=%d heads=%d", c.Hidden, c.NumLayers, c.NumHeads)
	case c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("num_attention_heads %d is not a multiple of num_key_value_heads %d", c.NumHeads, c.NumKVHeads)
	case c.PositionType == PositionRoPE && c.HeadDim%2 != 0:
		return fmt.Errorf("head_dim %d must be even for rotary embeddings", c.HeadDim)
	case c.PositionType == PositionLearned && c.NumHeads*c.HeadDim != c.Hidden:
		return fmt.Errorf("head_dim %d x heads %d does not match hidden %d", c.HeadDim, c.NumHeads, c.Hidden)
	}
	return nil
}

// EstimateParameters estimates total parameter count
func (c *ModelConfig) EstimateParameters() int64 {
	params := int64(c.VocabSize) * int64(c.Hidden)
	if c.PositionType == PositionLearned {
		params += int64(c.MaxSeqLen) * int64(c.Hidden)
	}

	q := int64(c.Hidden) * int64(c.NumHeads*c.HeadDim)
	kv := 2 * int64(c.Hidden) * int64(c.NumKVHeads*c.HeadDim)
	perLayer := 2*q + kv
	if c.ActivationType == ActivationSwiGLU {
		perLayer += 3 * int64(c.Hidden) * int64(c.FFNDim)
	} else {
		perLayer += 2 * int64(c.Hidden) * int64(c.FFNDim)
	}
	return params + int64(c.NumLayers)*perLayer
}
