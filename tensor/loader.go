package tensor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"emotion-attention/logger"
)

// WeightMapping maps checkpoint tensor names to model components
type WeightMapping struct {
	TokenEmbeddingKey string
	PosEmbeddingKey   string // empty for RoPE models

	// Layer key templates use {layer} as placeholder
	LayerPrefix    string
	QKVKey         string // combined projection, empty when split
	QKey           string
	KKey           string
	VKey           string
	OutKey         string
	FFNGateKey     string
	FFNUpKey       string
	FFNDownKey     string
	AttnNormKey    string
	FFNNormKey     string
	FinalNormKey   string
	OptionalBiases bool // q/k/v/o biases are loaded when present

	// Conv1D checkpoints store linear weights as [in, out]
	Conv1D bool
}

// GetGPT2Mapping returns weight mapping for GPT-2
func GetGPT2Mapping() *WeightMapping {
	return &WeightMapping{
		TokenEmbeddingKey: "wte.weight",
		PosEmbeddingKey:   "wpe.weight",
		LayerPrefix:       "h.{layer}",
		QKVKey:            ".attn.c_attn.weight",
		OutKey:            ".attn.c_proj.weight",
		FFNUpKey:          ".mlp.c_fc.weight",
		FFNDownKey:        ".mlp.c_proj.weight",
		AttnNormKey:       ".ln_1.weight",
		FFNNormKey:        ".ln_2.weight",
		FinalNormKey:      "ln_f.weight",
		OptionalBiases:    true,
		Conv1D:            true,
	}
}

// GetLlamaMapping covers Llama, Mistral and Qwen2
func GetLlamaMapping() *WeightMapping {
	return &WeightMapping{
		TokenEmbeddingKey: "model.embed_tokens.weight",
		LayerPrefix:       "model.layers.{layer}",
		QKey:              ".self_attn.q_proj.weight",
		KKey:              ".self_attn.k_proj.weight",
		VKey:              ".self_attn.v_proj.weight",
		OutKey:            ".self_attn.o_proj.weight",
		FFNGateKey:        ".mlp.gate_proj.weight",
		FFNUpKey:          ".mlp.up_proj.weight",
		FFNDownKey:        ".mlp.down_proj.weight",
		AttnNormKey:       ".input_layernorm.weight",
		FFNNormKey:        ".post_attention_layernorm.weight",
		FinalNormKey:      "model.norm.weight",
		OptionalBiases:    true,
	}
}

func mappingFor(arch ModelArchitecture) (*WeightMapping, error) {
	switch arch {
	case ArchGPT2:
		return GetGPT2Mapping(), nil
	case ArchLlama, ArchMistral, ArchQwen2:
		return GetLlamaMapping(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, arch)
}

// weightSource resolves names against a checkpoint, also trying the
// "transformer." prefix GPT-2 exports sometimes carry
type weightSource struct {
	ck *Checkpoint
}

func (s weightSource) resolve(name string) (string, bool) {
	if s.ck.Has(name) {
		return name, true
	}
	if alt := "transformer." + name; s.ck.Has(alt) {
		return alt, true
	}
	return "", false
}

func (s weightSource) weight(name string) (*Weight, error) {
	resolved, ok := s.resolve(name)
	if !ok {
		return nil, fmt.Errorf("required tensor '%s' not found: %w", name, ErrTensorNotFound)
	}
	return s.ck.Load(resolved)
}

func (s weightSource) vector(name string) (*Tensor, error) {
	w, err := s.weight(name)
	if err != nil {
		return nil, err
	}
	return w.Tensor(), nil
}

// optionalVector returns nil when name is absent
func (s weightSource) optionalVector(name string) (*Tensor, error) {
	if _, ok := s.resolve(name); !ok {
		return nil, nil
	}
	return s.vector(name)
}

func biasKey(weightKey string) string {
	return strings.TrimSuffix(weightKey, ".weight") + ".bias"
}

// LoadModelFromDirectory loads config.json and the safetensors checkpoint in dir.
func LoadModelFromDirectory(dir string) (*TransformerModel, error) {
	config, err := LoadModelConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	ck, err := OpenCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	defer ck.Close()

	logger.Log.Info("Loading model",
		"dir", dir,
		"arch", string(config.Architecture),
		"layers", config.NumLayers,
		"hidden", config.Hidden,
		"tensors", ck.NumTensors(),
		"params", config.EstimateParameters())

	return LoadModel(ck, config)
}

// LoadModel builds a model for config from the tensors in ck.
func LoadModel(ck *Checkpoint, config *ModelConfig) (*TransformerModel, error) {
	mapping, err := mappingFor(config.Architecture)
	if err != nil {
		return nil, err
	}
	src := weightSource{ck: ck}
	model := NewTransformerModel(config)

	if model.TokenEmbedding, err = src.weight(mapping.TokenEmbeddingKey); err != nil {
		return nil, fmt.Errorf("failed to load token embedding: %w", err)
	}
	if model.TokenEmbedding.Cols() != config.Hidden {
		return nil, fmt.Errorf("token embedding %v does not match hidden %d", model.TokenEmbedding.Shape, config.Hidden)
	}
	if mapping.PosEmbeddingKey != "" {
		if model.PosEmbedding, err = src.vector(mapping.PosEmbeddingKey); err != nil {
			return nil, fmt.Errorf("failed to load position embedding: %w", err)
		}
	}

	for i, block := range model.Blocks {
		prefix := strings.ReplaceAll(mapping.LayerPrefix, "{layer}", strconv.Itoa(i))
		if err := loadBlock(src, mapping, block, prefix, config); err != nil {
			return nil, fmt.Errorf("failed to load layer %d: %w", i, err)
		}
	}

	if err := loadNorm(src, mapping.FinalNormKey, model.LNFinal); err != nil {
		return nil, fmt.Errorf("failed to load final norm: %w", err)
	}
	return model, nil
}

func loadBlock(src weightSource, mapping *WeightMapping, block *Block, prefix string, config *ModelConfig) error {
	if err := loadNorm(src, prefix+mapping.AttnNormKey, block.AttnLN); err != nil {
		return err
	}
	if err := loadNorm(src, prefix+mapping.FFNNormKey, block.FFNLN); err != nil {
		return err
	}
	if err := loadAttention(src, mapping, block.Attention, prefix, config); err != nil {
		return err
	}
	return loadFFN(src, mapping, block.FFN, prefix, config)
}

// loadNorm loads weight and, when present, bias. RMSNorm checkpoints have no bias.
func loadNorm(src weightSource, key string, norm *LayerNormLayer) error {
	var err error
	if norm.Weight, err = src.vector(key); err != nil {
		return err
	}
	norm.Bias, err = src.optionalVector(biasKey(key))
	return err
}

func loadAttention(src weightSource, mapping *WeightMapping, attn *Attention, prefix string, config *ModelConfig) error {
	qDim := config.NumHeads * config.HeadDim
	kvDim := config.NumKVHeads * config.HeadDim

	if mapping.QKVKey != "" {
		qkv, err := src.linear(prefix+mapping.QKVKey, mapping.Conv1D)
		if err != nil {
			return err
		}
		if qkv.Rows() != qDim+2*kvDim {
			return fmt.Errorf("combined qkv %v does not split into %d+%d+%d", qkv.Shape, qDim, kvDim, kvDim)
		}
		attn.QWeight = qkv.Slice(0, qDim)
		attn.KWeight = qkv.Slice(qDim, qDim+kvDim)
		attn.VWeight = qkv.Slice(qDim+kvDim, qDim+2*kvDim)

		bias, err := src.optionalVector(biasKey(prefix + mapping.QKVKey))
		if err != nil {
			return err
		}
		if bias != nil {
			if len(bias.Data) != qDim+2*kvDim {
				return fmt.Errorf("combined qkv bias has %d values, want %d", len(bias.Data), qDim+2*kvDim)
			}
			attn.QBias = FromData(bias.Data[:qDim], qDim)
			attn.KBias = FromData(bias.Data[qDim:qDim+kvDim], kvDim)
			attn.VBias = FromData(bias.Data[qDim+kvDim:], kvDim)
		}
	} else {
		var err error
		if attn.QWeight, err = src.linear(prefix+mapping.QKey, mapping.Conv1D); err != nil {
			return err
		}
		if attn.KWeight, err = src.linear(prefix+mapping.KKey, mapping.Conv1D); err != nil {
			return err
		}
		if attn.VWeight, err = src.linear(prefix+mapping.VKey, mapping.Conv1D); err != nil {
			return err
		}
		if mapping.OptionalBiases {
			if attn.QBias, err = src.optionalVector(biasKey(prefix + mapping.QKey)); err != nil {
				return err
			}
			if attn.KBias, err = src.optionalVector(biasKey(prefix + mapping.KKey)); err != nil {
				return err
			}
			if attn.VBias, err = src.optionalVector(biasKey(prefix + mapping.VKey)); err != nil {
				return err
			}
		}
	}

	var err error
	if attn.OutWeight, err = src.linear(prefix+mapping.OutKey, mapping.Conv1D); err != nil {
		return err
	}
	if mapping.OptionalBiases {
		if attn.OutBias, err = src.optionalVector(biasKey(prefix + mapping.OutKey)); err != nil {
			return err
		}
	}

	switch {
	case attn.QWeight.Rows() != qDim || attn.QWeight.Cols() != config.Hidden:
		return fmt.Errorf("q projection %v, want [%d %d]", attn.QWeight.Shape, qDim, config.Hidden)
	case attn.KWeight.Rows() != kvDim || attn.VWeight.Rows() != kvDim:
		return fmt.Errorf("k/v projections %v %v, want %d rows", attn.KWeight.Shape, attn.VWeight.Shape, kvDim)
	case attn.OutWeight.Rows() != config.Hidden || attn.OutWeight.Cols() != qDim:
		return fmt.Errorf("o projection %v, want [%d %d]", attn.OutWeight.Shape, config.Hidden, qDim)
	}
	return nil
}

func loadFFN(src weightSource, mapping *WeightMapping, ffn *FeedForward, prefix string, config *ModelConfig) error {
	var err error
	if mapping.FFNGateKey != "" {
		if ffn.Gate, err = src.linear(prefix+mapping.FFNGateKey, mapping.Conv1D); err != nil {
			return err
		}
	}
	if ffn.Up, err = src.linear(prefix+mapping.FFNUpKey, mapping.Conv1D); err != nil {
		return err
	}
	if ffn.Down, err = src.linear(prefix+mapping.FFNDownKey, mapping.Conv1D); err != nil {
		return err
	}
	if config.ActivationType != ActivationSwiGLU {
		if ffn.UpBias, err = src.optionalVector(biasKey(prefix + mapping.FFNUpKey)); err != nil {
			return err
		}
		if ffn.DownBias, err = src.optionalVector(biasKey(prefix + mapping.FFNDownKey)); err != nil {
			return err
		}
	}
	if ffn.Down.Rows() != config.Hidden || ffn.Up.Cols() != config.Hidden {
		return fmt.Errorf("mlp projections up %v down %v do not match hidden %d", ffn.Up.Shape, ffn.Down.Shape, config.Hidden)
	}
	return nil
}

// linear loads a projection in [out, in] layout, transposing Conv1D weights
func (s weightSource) linear(name string, conv1D bool) (*Weight, error) {
	w, err := s.weight(name)
	if err != nil {
		return nil, err
	}
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected a matrix, got shape %v", name, w.Shape)
	}
	if conv1D {
		return NewWeight(Transpose(w.Tensor())), nil
	}
	return w, nil
}
