package main

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("MODEL_DIR", "")

	fs := flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{})
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}

	if cfg.Model != "mistralai/Ministral-8B-Instruct-2410" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.PromptType != "joy_sadness_0" {
		t.Fatalf("PromptType = %q", cfg.PromptType)
	}
	if cfg.BatchSize != 1 {
		t.Fatalf("BatchSize = %d, want 1", cfg.BatchSize)
	}
	if cfg.Layers != nil {
		t.Fatalf("Layers = %v, want nil (all layers)", cfg.Layers)
	}
	if !reflect.DeepEqual(cfg.Locations, []int{10}) || !reflect.DeepEqual(cfg.Tokens, []int{-1}) {
		t.Fatalf("Locations = %v, Tokens = %v", cfg.Locations, cfg.Tokens)
	}
	if cfg.PaddingSide != "left" {
		t.Fatalf("PaddingSide = %q, want left", cfg.PaddingSide)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestParseFlags_Overrides(t *testing.T) {
	t.Setenv("MODEL_DIR", "")

	fs := flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	args := []string{
		"-model", "gpt2",
		"-prompt-type", "2",
		"-layers", "0,1,2",
		"-locations", "[10, 12]",
		"-tokens", "-1,-2",
		"-batch-size", "4",
		"-out", "./results/",
		"-compression", "LZ4",
		"-progress=false",
	}
	cfg, err := parseFlags(fs, args)
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}

	if cfg.Model != "gpt2" || cfg.ShortName() != "gpt2" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if !reflect.DeepEqual(cfg.Layers, []int{0, 1, 2}) {
		t.Fatalf("Layers = %v", cfg.Layers)
	}
	if !reflect.DeepEqual(cfg.Locations, []int{10, 12}) {
		t.Fatalf("Locations = %v", cfg.Locations)
	}
	if !reflect.DeepEqual(cfg.Tokens, []int{-1, -2}) {
		t.Fatalf("Tokens = %v", cfg.Tokens)
	}
	if cfg.OutputDir != "results" {
		t.Fatalf("OutputDir = %q, want cleaned path", cfg.OutputDir)
	}
	if cfg.Compression != "lz4" || cfg.Progress {
		t.Fatalf("Compression = %q, Progress = %v", cfg.Compression, cfg.Progress)
	}
	if cfg.BatchSize != 4 {
		t.Fatalf("BatchSize = %d", cfg.BatchSize)
	}
}

func TestParseFlags_BadList(t *testing.T) {
	fs := flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	if _, err := parseFlags(fs, []string{"-layers", "0,x"}); err == nil {
		t.Fatal("expected error for non-integer layer")
	}
}

func TestParseFlags_ConfigFile(t *testing.T) {
	t.Setenv("MODEL_DIR", "")

	path := filepath.Join(t.TempDir(), "run.yaml")
	yaml := `model: meta-llama/Llama-3.2-1B
prompt_type: anger_fear_1
layers: [3, 4]
locations: [12]
cache: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{"-config=" + path, "-locations", "10"})
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if cfg.Model != "meta-llama/Llama-3.2-1B" || cfg.ShortName() != "Llama-3.2-1B" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.PromptType != "anger_fear_1" || cfg.Cache {
		t.Fatalf("PromptType = %q, Cache = %v", cfg.PromptType, cfg.Cache)
	}
	if !reflect.DeepEqual(cfg.Layers, []int{3, 4}) {
		t.Fatalf("Layers = %v", cfg.Layers)
	}
	// flags win over the file
	if !reflect.DeepEqual(cfg.Locations, []int{10}) {
		t.Fatalf("Locations = %v, want flag value", cfg.Locations)
	}
	// untouched keys keep their defaults
	if cfg.Tokens[0] != -1 || cfg.Backend != "native" {
		t.Fatalf("Tokens = %v, Backend = %q", cfg.Tokens, cfg.Backend)
	}
}

func TestParseFlags_ModelDirEnv(t *testing.T) {
	t.Setenv("MODEL_DIR", "/models/mistral")

	fs := flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	cfg, err := parseFlags(fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelDir != "/models/mistral" {
		t.Fatalf("ModelDir = %q", cfg.ModelDir)
	}
	if cfg.Model != "" || cfg.ShortName() != "mistral" {
		t.Fatalf("a model dir alone should name the run: Model = %q, ShortName = %q", cfg.Model, cfg.ShortName())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("model dir only should validate: %v", err)
	}

	fs = flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	cfg, err = parseFlags(fs, []string{"-model-dir", "/other"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelDir != "/other" {
		t.Fatalf("flag should override MODEL_DIR, got %q", cfg.ModelDir)
	}

	fs = flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	cfg, err = parseFlags(fs, []string{"-model", "org/tiny", "-model-dir", "/other"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "org/tiny" || cfg.ShortName() != "tiny" {
		t.Fatalf("explicit -model should be kept, got %q", cfg.Model)
	}

	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte("model: org/from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs = flag.NewFlagSet("extract-attention", flag.ContinueOnError)
	cfg, err = parseFlags(fs, []string{"-config", path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "org/from-file" || cfg.ModelDir != "/models/mistral" {
		t.Fatalf("model from the config file should be kept, got %q in %q", cfg.Model, cfg.ModelDir)
	}
}

func TestParseFlags_EmptyPaths(t *testing.T) {
	t.Setenv("MODEL_DIR", "")

	for _, args := range [][]string{{"-data", ""}, {"-out", ""}} {
		fs := flag.NewFlagSet("extract-attention", flag.ContinueOnError)
		cfg, err := parseFlags(fs, args)
		if err != nil {
			t.Fatalf("parseFlags(%v): %v", args, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate should reject %v", args)
		}
	}
}

func TestConfigArg(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml"}, "b.yaml"},
		{[]string{"-model", "x", "-config", "c.yaml"}, "c.yaml"},
		{[]string{"-model", "config"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := configArg(tt.args); got != tt.want {
			t.Errorf("configArg(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "model dir only", mutate: func(c *Config) { c.Model = ""; c.ModelDir = "/m" }},
		{name: "no model", mutate: func(c *Config) { c.Model = "" }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "bad prompt type", mutate: func(c *Config) { c.PromptType = "joy_x" }, wantErr: true},
		{name: "bad location", mutate: func(c *Config) { c.Locations = []int{13} }, wantErr: true},
		{name: "no tokens", mutate: func(c *Config) { c.Tokens = nil }, wantErr: true},
		{name: "bad padding", mutate: func(c *Config) { c.PaddingSide = "center" }, wantErr: true},
		{name: "bad codec", mutate: func(c *Config) { c.Compression = "gzip" }, wantErr: true},
		{name: "empty data", mutate: func(c *Config) { c.DataPath = "" }, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
