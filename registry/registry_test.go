package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func makeModel(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestShortName(t *testing.T) {
	tests := map[string]string{
		"mistralai/Ministral-8B-Instruct-2410": "Ministral-8B-Instruct-2410",
		"gpt2":                                 "gpt2",
		"/models/llama/":                       "llama",
	}
	for in, want := range tests {
		if got := ShortName(in); got != want {
			t.Errorf("ShortName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveExplicitAndLocal(t *testing.T) {
	root := t.TempDir()
	explicit := filepath.Join(root, "explicit")
	makeModel(t, explicit)
	makeModel(t, filepath.Join(root, "models", "Ministral-8B"))

	r := &Resolver{ModelsDir: filepath.Join(root, "models")}
	got, err := r.Resolve("mistralai/Ministral-8B", explicit)
	if err != nil || got != explicit {
		t.Errorf("explicit path: got %q, %v", got, err)
	}

	got, err = r.Resolve("mistralai/Ministral-8B", "")
	if err != nil || got != filepath.Join(root, "models", "Ministral-8B") {
		t.Errorf("models dir: got %q, %v", got, err)
	}

	if _, err := r.Resolve("x", filepath.Join(root, "missing")); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Expected ErrModelNotFound for explicit path without config, got %v", err)
	}
}

func TestResolveHubCache(t *testing.T) {
	cache := t.TempDir()
	repo := filepath.Join(cache, "models--mistralai--Ministral-8B")
	makeModel(t, filepath.Join(repo, "snapshots", "abc123"))
	makeModel(t, filepath.Join(repo, "snapshots", "def456"))
	os.MkdirAll(filepath.Join(repo, "refs"), 0755)
	os.WriteFile(filepath.Join(repo, "refs", "main"), []byte("def456\n"), 0644)

	r := &Resolver{CacheDir: cache, Revision: "main"}
	got, err := r.Resolve("mistralai/Ministral-8B", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != filepath.Join(repo, "snapshots", "def456") {
		t.Errorf("Expected the snapshot named by refs/main, got %q", got)
	}

	r.Revision = "abc123"
	if got, _ := r.Resolve("mistralai/Ministral-8B", ""); got != filepath.Join(repo, "snapshots", "abc123") {
		t.Errorf("commit revision: got %q", got)
	}

	r.Revision = "dev"
	if _, err := r.Resolve("mistralai/Ministral-8B", ""); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("ambiguous snapshots without a ref should not resolve, got %v", err)
	}
}

func TestResolveSingleSnapshot(t *testing.T) {
	cache := t.TempDir()
	makeModel(t, filepath.Join(cache, "models--gpt2", "snapshots", "only"))
	r := &Resolver{CacheDir: cache}
	got, err := r.Resolve("gpt2", "")
	if err != nil || filepath.Base(got) != "only" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestHubCacheDir(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", "")
	t.Setenv("HF_HOME", "/data/hf")
	if got := HubCacheDir(); got != filepath.Join("/data/hf", "hub") {
		t.Errorf("HF_HOME: got %q", got)
	}
	t.Setenv("HF_HUB_CACHE", "/cache/hub")
	if got := HubCacheDir(); got != "/cache/hub" {
		t.Errorf("HF_HUB_CACHE: got %q", got)
	}
}
