package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"emotion-attention/dataset"
	"emotion-attention/extract"
	"emotion-attention/logger"
	"emotion-attention/metrics"
	"emotion-attention/prompt"
	"emotion-attention/registry"
	"emotion-attention/store"
	"emotion-attention/tokenizer"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := run(ctx, cfg)
	if err != nil {
		logger.Log.Error("Extraction failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "output=%s\n", out)
}

func run(ctx context.Context, cfg Config) (string, error) {
	rows, err := dataset.LoadCSV(cfg.DataPath,
		dataset.WithEncoding(cfg.Encoding),
		dataset.WithTextColumn(cfg.TextColumn))
	if err != nil {
		return "", err
	}
	metrics.DatasetRows.Set(float64(len(rows)))

	pt, err := prompt.ParseType(cfg.PromptType)
	if err != nil {
		return "", err
	}
	format, err := prompt.FromType(pt)
	if err != nil {
		return "", err
	}
	ds := dataset.New(rows, format)
	loader, err := dataset.NewLoader(ds, cfg.BatchSize)
	if err != nil {
		return "", err
	}

	resolver := &registry.Resolver{ModelsDir: cfg.ModelsDir, CacheDir: registry.HubCacheDir(), Revision: cfg.Revision}
	modelDir, err := resolver.Resolve(cfg.Model, cfg.ModelDir)
	if err != nil {
		return "", err
	}

	tok, err := tokenizer.Open(modelDir,
		tokenizer.WithBackend(cfg.Tokenizer),
		tokenizer.WithPaddingSide(tokenizer.Side(cfg.PaddingSide)))
	if err != nil {
		return "", err
	}
	defer tok.Close()

	backend, err := extract.OpenBackend(cfg.Backend, extract.BackendConfig{
		ModelDir: modelDir,
		Device:   cfg.Device,
		Threads:  cfg.Threads,
	})
	if err != nil {
		return "", err
	}
	defer backend.Close()

	ex, err := extract.New(backend,
		extract.Request{Layers: cfg.Layers, Locations: cfg.Locations, Tokens: cfg.Tokens},
		extract.WithCache(cfg.Cache),
		extract.WithProgress(cfg.Progress, os.Stderr))
	if err != nil {
		return "", err
	}

	res, err := ex.Run(ctx, loader, tok)
	if err != nil {
		return "", err
	}
	res.Metadata["model"] = cfg.Model
	if cfg.Model == "" {
		res.Metadata["model"] = cfg.ShortName()
	}
	res.Metadata["model_dir"] = modelDir
	res.Metadata["backend"] = cfg.Backend
	res.Metadata["tokenizer"] = cfg.Tokenizer
	res.Metadata["padding_side"] = cfg.PaddingSide
	res.Metadata["prompt_type"] = pt.String()
	res.Metadata["prompt_template"] = prompt.TemplateName(pt.Index)
	res.Metadata["dataset"] = cfg.DataPath
	res.Metadata["dataset_fingerprint"] = fmt.Sprintf("%016x", ds.Fingerprint())
	res.Metadata["created_at"] = time.Now().UTC().Format(time.RFC3339)

	out := store.OutputPath(cfg.OutputDir, cfg.ShortName(), ex.Request())
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := store.Write(out, res, store.WithCompression(cfg.Compression)); err != nil {
		return "", err
	}

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			return "", err
		}
	}
	return out, nil
}
