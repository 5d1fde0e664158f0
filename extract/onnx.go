//go:build onnx

package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"emotion-attention/logger"
	"emotion-attention/tensor"
)

func init() {
	RegisterBackend("onnx", func(cfg BackendConfig) (Backend, error) {
		return NewONNXBackend(cfg)
	})
}

// ONNXBackend runs a model exported with output_hidden_states and
// output_attentions. Inputs are input_ids and attention_mask; outputs are
// hidden_states.{0..L} and attentions.{0..L-1}.
type ONNXBackend struct {
	modelPath string
	config    *tensor.ModelConfig
	options   *ort.SessionOptions
}

// NewONNXBackend reads config.json for the output shapes and prepares
// session options for cfg.Device (cpu, cuda, coreml or mps).
func NewONNXBackend(cfg BackendConfig) (*ONNXBackend, error) {
	config, err := tensor.LoadModelConfig(filepath.Join(cfg.ModelDir, "config.json"))
	if err != nil {
		return nil, err
	}
	modelPath, err := findONNXModel(cfg.ModelDir)
	if err != nil {
		return nil, err
	}

	if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}
	if err := appendProvider(options, cfg.Device); err != nil {
		options.Destroy()
		return nil, err
	}

	logger.Log.Info("ONNX runtime initialized", "model", modelPath, "device", cfg.Device, "layers", config.NumLayers)
	return &ONNXBackend{modelPath: modelPath, config: config, options: options}, nil
}

func findONNXModel(dir string) (string, error) {
	for _, p := range []string{"model.onnx", filepath.Join("onnx", "model.onnx")} {
		path := filepath.Join(dir, p)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no model.onnx in %s", dir)
}

func appendProvider(options *ort.SessionOptions, device string) error {
	switch strings.ToLower(device) {
	case "", "cpu", "auto":
		return nil
	case "cuda":
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("failed to enable CUDA: %w", err)
		}
		return nil
	case "coreml", "mps":
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fmt.Errorf("failed to enable CoreML: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported onnx device %q", device)
}

func (b *ONNXBackend) NumLayers() int { return b.config.NumLayers }

// Supports reports the hooks an exported graph exposes: layer input and
// output through hidden_states, attention weights through attentions.
func (b *ONNXBackend) Supports(loc tensor.Hook) bool {
	switch loc {
	case tensor.HookLayerInput, tensor.HookLayerOutput, tensor.HookAttnWeights:
		return true
	}
	return false
}

func outputName(k Key) string {
	switch k.Location {
	case tensor.HookAttnWeights:
		return fmt.Sprintf("attentions.%d", k.Layer)
	case tensor.HookLayerOutput:
		return fmt.Sprintf("hidden_states.%d", k.Layer+1)
	}
	return fmt.Sprintf("hidden_states.%d", k.Layer)
}

func (b *ONNXBackend) Forward(ctx context.Context, ids []int, keys []Key) (Activations, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int64(len(ids))
	heads := int64(b.config.NumHeads)
	hidden := int64(b.config.Hidden)

	inputData := make([]int64, n)
	maskData := make([]int64, n)
	for i, id := range ids {
		inputData[i] = int64(id)
		maskData[i] = 1
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, n), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()
	maskTensor, err := ort.NewTensor(ort.NewShape(1, n), maskData)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	var names []string
	var outputs []ort.Value
	byName := make(map[string]*ort.Tensor[float32])
	for _, k := range keys {
		name := outputName(k)
		if _, ok := byName[name]; ok {
			continue
		}
		shape := ort.NewShape(1, n, hidden)
		if k.Location.IsAttentionMap() {
			shape = ort.NewShape(1, heads, n, n)
		}
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, fmt.Errorf("failed to create output tensor %s: %w", name, err)
		}
		defer t.Destroy()
		names = append(names, name)
		outputs = append(outputs, t)
		byName[name] = t
	}

	session, err := ort.NewAdvancedSession(
		b.modelPath,
		[]string{"input_ids", "attention_mask"},
		names,
		[]ort.Value{inputTensor, maskTensor},
		outputs,
		b.options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	acts := make(Activations, len(keys))
	for _, k := range keys {
		data := slices.Clone(byName[outputName(k)].GetData())
		if k.Location.IsAttentionMap() {
			acts[k] = tensor.FromData(data, int(heads), int(n), int(n))
		} else {
			acts[k] = tensor.FromData(data, int(n), int(hidden))
		}
	}
	return acts, nil
}

func (b *ONNXBackend) Close() error {
	return b.options.Destroy()
}
