package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"emotion-attention/tensor"
)

var ErrUnknownBackend = errors.New("unknown extraction backend")

// Key addresses one layer's activations at a hook point
type Key struct {
	Layer    int
	Location tensor.Hook
}

// Activations holds full-sequence tensors for each requested key. Stream
// hooks are [seq, dim], attention maps [heads, seq, seq].
type Activations map[Key]*tensor.Tensor

// Backend runs a model over one unpadded token sequence and returns the
// activations named by keys.
type Backend interface {
	NumLayers() int
	Supports(loc tensor.Hook) bool
	Forward(ctx context.Context, ids []int, keys []Key) (Activations, error)
	Close() error
}

// BackendConfig is what a backend factory receives
type BackendConfig struct {
	ModelDir string
	Device   string
	Threads  int
}

type BackendFactory func(cfg BackendConfig) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend available to OpenBackend. Called from init.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = f
}

// Backends lists registered backend names
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenBackend builds the named backend
func OpenBackend(name string, cfg BackendConfig) (Backend, error) {
	backendsMu.RLock()
	f, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, name, strings.Join(Backends(), ", "))
	}
	return f(cfg)
}
