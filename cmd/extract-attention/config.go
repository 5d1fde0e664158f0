package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"emotion-attention/dataset"
	"emotion-attention/prompt"
	"emotion-attention/tensor"
)

type Config struct {
	DataPath   string `yaml:"data"`
	Encoding   string `yaml:"encoding"`
	TextColumn string `yaml:"text_column"`

	Model     string `yaml:"model"`
	ModelDir  string `yaml:"model_dir"`
	ModelsDir string `yaml:"models_dir"`
	Revision  string `yaml:"revision"`

	PromptType string `yaml:"prompt_type"`
	BatchSize  int    `yaml:"batch_size"`

	Backend     string `yaml:"backend"`
	Device      string `yaml:"device"`
	Threads     int    `yaml:"threads"`
	Tokenizer   string `yaml:"tokenizer"`
	PaddingSide string `yaml:"padding_side"`

	Layers    []int `yaml:"layers"`
	Locations []int `yaml:"locations"`
	Tokens    []int `yaml:"tokens"`

	OutputDir   string `yaml:"output_dir"`
	Compression string `yaml:"compression"`
	MetricsFile string `yaml:"metrics_file"`
	Progress    bool   `yaml:"progress"`
	Cache       bool   `yaml:"cache"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultConfig() Config {
	return Config{
		DataPath:    filepath.FromSlash("data/enVent_gen_Data.csv"),
		Encoding:    dataset.DefaultEncoding,
		TextColumn:  dataset.DefaultTextColumn,
		Model:       "mistralai/Ministral-8B-Instruct-2410",
		ModelsDir:   "models",
		Revision:    "main",
		PromptType:  "joy_sadness_0",
		BatchSize:   1,
		Backend:     "native",
		Device:      "cpu",
		Tokenizer:   "hf",
		PaddingSide: "left",
		Locations:   []int{int(tensor.HookAttnWeights)},
		Tokens:      []int{-1},
		OutputDir:   "outputs",
		Compression: "zstd",
		Progress:    true,
		Cache:       true,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

func (c Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("missing -data")
	}
	if c.Model == "" && c.ModelDir == "" {
		return fmt.Errorf("missing -model or -model-dir")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("-batch-size must be positive, got %d", c.BatchSize)
	}
	if _, err := prompt.ParseType(c.PromptType); err != nil {
		return fmt.Errorf("-prompt-type: %w", err)
	}
	if len(c.Locations) == 0 || len(c.Tokens) == 0 {
		return fmt.Errorf("at least one location and one token are required")
	}
	for _, loc := range c.Locations {
		if !tensor.Hook(loc).Valid() {
			return fmt.Errorf("-locations: unknown location %d (valid: 1..12)", loc)
		}
	}
	switch c.PaddingSide {
	case "left", "right":
	default:
		return fmt.Errorf("-padding-side must be left or right, got %q", c.PaddingSide)
	}
	switch c.Compression {
	case "", "zstd", "lz4":
	default:
		return fmt.Errorf("-compression must be zstd, lz4 or empty, got %q", c.Compression)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("missing -out")
	}
	return nil
}

// ShortName names the output subdirectory
func (c Config) ShortName() string {
	id := c.Model
	if id == "" {
		id = filepath.Clean(c.ModelDir)
	}
	return filepath.Base(strings.ReplaceAll(id, "\\", "/"))
}

// loadConfigFile decodes path over cfg and reports whether it named a model
func loadConfigFile(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	var named struct {
		Model *string `yaml:"model"`
	}
	if err := yaml.Unmarshal(data, &named); err != nil {
		return false, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return named.Model != nil, nil
}

// configArg finds -config before the flag set is built so the file can
// supply the defaults the remaining flags override.
func configArg(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// parseFlags layers defaults, the optional YAML file, MODEL_DIR and flags, in
// increasing precedence.
func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()

	modelSet := false
	configPath := configArg(args)
	if configPath != "" {
		var err error
		if modelSet, err = loadConfigFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if dir := os.Getenv("MODEL_DIR"); dir != "" {
		cfg.ModelDir = dir
	}

	fs.SetOutput(os.Stderr)

	fs.StringVar(&configPath, "config", configPath, "YAML config file; flags override its values")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Path to the enVent CSV")
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "CSV character encoding")
	fs.StringVar(&cfg.TextColumn, "text-column", cfg.TextColumn, "Column holding the event description")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model id (org/name); its last segment names the output directory")
	fs.StringVar(&cfg.ModelDir, "model-dir", cfg.ModelDir, "Explicit model directory (also MODEL_DIR)")
	fs.StringVar(&cfg.ModelsDir, "models-dir", cfg.ModelsDir, "Local directory searched for <short name> before the hub cache")
	fs.StringVar(&cfg.Revision, "revision", cfg.Revision, "Hub cache revision")
	fs.StringVar(&cfg.PromptType, "prompt-type", cfg.PromptType, "Shots and template index, e.g. joy_sadness_0 or 2")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Examples tokenized together")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Model backend: native, or onnx (locations 1, 10, 12; needs -tags onnx)")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "Device: cpu, or cuda/coreml/mps with the onnx backend")
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "Intra-op threads for the onnx backend (0 = runtime default)")
	fs.StringVar(&cfg.Tokenizer, "tokenizer", cfg.Tokenizer, "Tokenizer backend: hf or ffi")
	fs.StringVar(&cfg.PaddingSide, "padding-side", cfg.PaddingSide, "Padding side: left or right")
	fs.Var((*intList)(&cfg.Layers), "layers", "Layers to extract, e.g. 0,1,2 (empty = all)")
	fs.Var((*intList)(&cfg.Locations), "locations", "Extraction locations 1..12, e.g. 10")
	fs.Var((*intList)(&cfg.Tokens), "tokens", "Token positions, negative from the end, e.g. -1")
	fs.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "Output root directory")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "Arrow buffer compression: zstd, lz4 or empty")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write Prometheus metrics to this textfile when done")
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "Show a progress bar")
	fs.BoolVar(&cfg.Cache, "cache", cfg.Cache, "Reuse captures for identical token sequences")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/extract-attention -model-dir models/Ministral-8B-Instruct-2410")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/extract-attention -config run.yaml -layers 0,1,2 -locations 10,12")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// a model directory without an id names the run after the directory
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "model" {
			modelSet = true
		}
	})
	if cfg.ModelDir != "" && !modelSet {
		cfg.Model = ""
	}

	if cfg.DataPath != "" {
		cfg.DataPath = filepath.Clean(cfg.DataPath)
	}
	if cfg.OutputDir != "" {
		cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	}
	cfg.PaddingSide = strings.ToLower(cfg.PaddingSide)
	cfg.Compression = strings.ToLower(cfg.Compression)
	return cfg, nil
}

// intList is a flag.Value for "0,1,2" or "[0, 1, 2]". Setting it replaces
// any default.
type intList []int

func (l *intList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(s string) error {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" || s == "all" {
		*l = nil
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, v)
	}
	*l = out
	return nil
}
