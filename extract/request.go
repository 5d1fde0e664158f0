package extract

import (
	"errors"
	"fmt"
	"slices"

	"emotion-attention/tensor"
)

var (
	ErrInvalidLayer        = errors.New("layer out of range")
	ErrUnsupportedLocation = errors.New("unsupported extraction location")
	ErrTokenOutOfRange     = errors.New("token position out of range")
	ErrEmptyRequest        = errors.New("empty extraction request")
)

// DefaultLocation is the post-softmax attention map
const DefaultLocation = int(tensor.HookAttnWeights)

// Request names the tensor slices to capture. Layers are zero-based decoder
// layers; Locations are hook numbers 1..12; Tokens are positions in the
// unpadded prompt, negative values counting from the end (-1 is the last token).
type Request struct {
	Layers    []int
	Locations []int
	Tokens    []int
}

// DefaultRequest captures the last token's attention weights at every layer.
func DefaultRequest() Request {
	return Request{Locations: []int{DefaultLocation}, Tokens: []int{-1}}
}

// Resolve fills in all layers when none are given and checks every
// coordinate against the model depth and the locations the backend can serve.
func (r Request) Resolve(numLayers int, supports func(tensor.Hook) bool) (Request, error) {
	out := Request{
		Layers:    slices.Clone(r.Layers),
		Locations: slices.Clone(r.Locations),
		Tokens:    slices.Clone(r.Tokens),
	}
	if len(out.Layers) == 0 {
		out.Layers = make([]int, numLayers)
		for i := range out.Layers {
			out.Layers[i] = i
		}
	}
	if len(out.Locations) == 0 {
		return Request{}, fmt.Errorf("%w: no locations", ErrEmptyRequest)
	}
	if len(out.Tokens) == 0 {
		return Request{}, fmt.Errorf("%w: no tokens", ErrEmptyRequest)
	}

	for _, l := range out.Layers {
		if l < 0 || l >= numLayers {
			return Request{}, fmt.Errorf("%w: %d (model has %d layers)", ErrInvalidLayer, l, numLayers)
		}
	}
	for _, loc := range out.Locations {
		h := tensor.Hook(loc)
		if !h.Valid() {
			return Request{}, fmt.Errorf("%w: %d", ErrUnsupportedLocation, loc)
		}
		if supports != nil && !supports(h) {
			return Request{}, fmt.Errorf("%w: %d (%s) is not available from this backend", ErrUnsupportedLocation, loc, h)
		}
	}
	if err := checkUnique("layer", out.Layers); err != nil {
		return Request{}, err
	}
	if err := checkUnique("location", out.Locations); err != nil {
		return Request{}, err
	}
	if err := checkUnique("token", out.Tokens); err != nil {
		return Request{}, err
	}
	return out, nil
}

// Hooks returns the requested locations as hook points
func (r Request) Hooks() []tensor.Hook {
	out := make([]tensor.Hook, len(r.Locations))
	for i, loc := range r.Locations {
		out[i] = tensor.Hook(loc)
	}
	return out
}

// Keys lists every (layer, location) pair the backend must produce
func (r Request) Keys() []Key {
	keys := make([]Key, 0, len(r.Layers)*len(r.Locations))
	for _, l := range r.Layers {
		for _, h := range r.Hooks() {
			keys = append(keys, Key{Layer: l, Location: h})
		}
	}
	return keys
}

// position resolves a requested token against a sequence of n tokens
func position(token, n int) (int, error) {
	pos := token
	if pos < 0 {
		pos += n
	}
	if pos < 0 || pos >= n {
		return 0, fmt.Errorf("%w: token %d in a sequence of %d", ErrTokenOutOfRange, token, n)
	}
	return pos, nil
}

func checkUnique(what string, vals []int) error {
	seen := make(map[int]bool, len(vals))
	for _, v := range vals {
		if seen[v] {
			return fmt.Errorf("duplicate %s %d in request", what, v)
		}
		seen[v] = true
	}
	return nil
}
