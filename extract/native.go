package extract

import (
	"context"
	"fmt"
	"strings"

	"emotion-attention/tensor"
)

func init() {
	RegisterBackend("native", func(cfg BackendConfig) (Backend, error) {
		return NewNativeBackend(cfg.ModelDir, cfg.Device)
	})
}

// NativeBackend runs the pure-Go transformer on the CPU
type NativeBackend struct {
	model *tensor.TransformerModel
}

// NewNativeBackend loads the checkpoint in dir. Only the cpu device is available.
func NewNativeBackend(dir, device string) (*NativeBackend, error) {
	switch strings.ToLower(device) {
	case "", "cpu", "auto":
	default:
		return nil, fmt.Errorf("native backend runs on cpu only, got device %q", device)
	}
	model, err := tensor.LoadModelFromDirectory(dir)
	if err != nil {
		return nil, err
	}
	return &NativeBackend{model: model}, nil
}

// NewModelBackend wraps an already loaded model
func NewModelBackend(model *tensor.TransformerModel) *NativeBackend {
	return &NativeBackend{model: model}
}

func (b *NativeBackend) NumLayers() int { return b.model.NumLayers() }

// Supports reports true for every hook point; the native model exposes all of them.
func (b *NativeBackend) Supports(loc tensor.Hook) bool { return loc.Valid() }

func (b *NativeBackend) Forward(ctx context.Context, ids []int, keys []Key) (Activations, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newKeyProbe(keys)
	if _, err := b.model.Forward(ids, p); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if _, ok := p.got[k]; !ok {
			return nil, fmt.Errorf("model produced no %s for layer %d", k.Location, k.Layer)
		}
	}
	return p.got, nil
}

func (b *NativeBackend) Close() error { return nil }

// keyProbe captures exactly the requested keys and stops the forward pass
// after the deepest requested layer.
type keyProbe struct {
	want map[Key]bool
	last int
	got  Activations
}

func newKeyProbe(keys []Key) *keyProbe {
	p := &keyProbe{want: make(map[Key]bool, len(keys)), last: -1, got: make(Activations, len(keys))}
	for _, k := range keys {
		p.want[k] = true
		p.last = max(p.last, k.Layer)
	}
	return p
}

func (p *keyProbe) Wants(layer int, hook tensor.Hook) bool {
	return p.want[Key{Layer: layer, Location: hook}]
}

func (p *keyProbe) Capture(layer int, hook tensor.Hook, t *tensor.Tensor) {
	p.got[Key{Layer: layer, Location: hook}] = t
}

func (p *keyProbe) LastLayer() int { return p.last }
