package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"emotion-attention/logger"
)

const (
	DefaultRevision  = "main"
	DefaultModelsDir = "models"
)

var ErrModelNotFound = errors.New("model not found")

// ShortName is the last segment of a model id: "mistralai/Ministral-8B" -> "Ministral-8B"
func ShortName(id string) string {
	id = strings.TrimRight(id, `/\`)
	if i := strings.LastIndexAny(id, `/\`); i >= 0 {
		return id[i+1:]
	}
	return id
}

// HubCacheDir follows the Hugging Face lookup order: HF_HUB_CACHE,
// HF_HOME/hub, then ~/.cache/huggingface/hub.
func HubCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "huggingface", "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// Resolver maps model ids to local directories holding config.json
type Resolver struct {
	ModelsDir string
	CacheDir  string
	Revision  string
}

func NewResolver() *Resolver {
	return &Resolver{ModelsDir: DefaultModelsDir, CacheDir: HubCacheDir(), Revision: DefaultRevision}
}

// Resolve uses the default resolver
func Resolve(id, explicitPath string) (string, error) {
	return NewResolver().Resolve(id, explicitPath)
}

// Resolve finds the model directory for id. An explicit path wins; then id
// as a directory, <ModelsDir>/<short name>, and the hub cache snapshot for
// Revision.
func (r *Resolver) Resolve(id, explicitPath string) (string, error) {
	if explicitPath != "" {
		if !isModelDir(explicitPath) {
			return "", fmt.Errorf("%w: %s has no config.json", ErrModelNotFound, explicitPath)
		}
		return explicitPath, nil
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty model id", ErrModelNotFound)
	}

	var tried []string
	candidates := []string{id}
	if r.ModelsDir != "" {
		candidates = append(candidates, filepath.Join(r.ModelsDir, ShortName(id)))
	}
	for _, dir := range candidates {
		tried = append(tried, dir)
		if isModelDir(dir) {
			logger.Log.Debug("Model resolved", "id", id, "dir", dir)
			return dir, nil
		}
	}

	if r.CacheDir != "" {
		repo := filepath.Join(r.CacheDir, "models--"+strings.ReplaceAll(id, "/", "--"))
		tried = append(tried, repo)
		if dir, ok := r.snapshot(repo); ok {
			logger.Log.Debug("Model resolved from hub cache", "id", id, "dir", dir)
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %s (looked in %s)", ErrModelNotFound, id, strings.Join(tried, ", "))
}

// snapshot follows refs/<revision> to snapshots/<commit>. With no ref file a
// revision that is itself a snapshot name is accepted, then the only snapshot.
func (r *Resolver) snapshot(repo string) (string, bool) {
	rev := r.Revision
	if rev == "" {
		rev = DefaultRevision
	}
	snapshots := filepath.Join(repo, "snapshots")

	if data, err := os.ReadFile(filepath.Join(repo, "refs", rev)); err == nil {
		dir := filepath.Join(snapshots, strings.TrimSpace(string(data)))
		return dir, isModelDir(dir)
	}
	if dir := filepath.Join(snapshots, rev); isModelDir(dir) {
		return dir, true
	}

	entries, err := os.ReadDir(snapshots)
	if err != nil {
		return "", false
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	if len(dirs) == 1 {
		dir := filepath.Join(snapshots, dirs[0])
		return dir, isModelDir(dir)
	}
	return "", false
}

func isModelDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "config.json"))
	return err == nil && !info.IsDir()
}
