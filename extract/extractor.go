package extract

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/schollz/progressbar/v3"

	"emotion-attention/dataset"
	"emotion-attention/logger"
	"emotion-attention/metrics"
	"emotion-attention/tensor"
	"emotion-attention/tokenizer"
)

type options struct {
	cache       bool
	progress    bool
	progressOut io.Writer
}

type Option func(*options)

// WithCache toggles reuse of captures for identical token sequences
func WithCache(enabled bool) Option {
	return func(o *options) { o.cache = enabled }
}

// WithProgress shows a progress bar on w (stderr when nil)
func WithProgress(enabled bool, w io.Writer) Option {
	return func(o *options) {
		o.progress = enabled
		if w != nil {
			o.progressOut = w
		}
	}
}

// Extractor runs a dataset through a backend and keeps the requested slices.
type Extractor struct {
	backend Backend
	req     Request
	keys    []Key
	opts    options

	cache *forwardCache
	hits  int
}

// New resolves req against backend. An empty layer list selects every layer.
func New(backend Backend, req Request, opts ...Option) (*Extractor, error) {
	o := options{cache: true, progressOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	resolved, err := req.Resolve(backend.NumLayers(), backend.Supports)
	if err != nil {
		return nil, err
	}
	e := &Extractor{backend: backend, req: resolved, keys: resolved.Keys(), opts: o}
	if o.cache {
		e.cache = newForwardCache()
	}
	return e, nil
}

// Request returns the resolved coordinates
func (e *Extractor) Request() Request { return e.req }

// CacheHits is the number of examples served without a forward pass
func (e *Extractor) CacheHits() int { return e.hits }

// Run makes one full pass over loader in dataset order. Each batch is
// tokenized together; each sequence is run on its own with padding removed.
func (e *Extractor) Run(ctx context.Context, loader *dataset.Loader, tok tokenizer.Tokenizer) (*Result, error) {
	ds := loader.Dataset()
	loader.Reset()

	res := &Result{
		Layers:    slices.Clone(e.req.Layers),
		Locations: slices.Clone(e.req.Locations),
		Tokens:    slices.Clone(e.req.Tokens),
		Metadata:  make(map[string]string),
		Records:   make([]Record, 0, ds.Len()),
	}

	logger.Log.Info("Extraction started",
		"examples", ds.Len(),
		"batches", loader.NumBatches(),
		"layers", len(e.req.Layers),
		"locations", e.req.Locations,
		"tokens", e.req.Tokens)

	var bar *progressbar.ProgressBar
	if e.opts.progress {
		bar = progressbar.NewOptions(ds.Len(),
			progressbar.OptionSetWriter(e.opts.progressOut),
			progressbar.OptionSetDescription("Extracting"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	start := time.Now()
	for {
		batch, ok := loader.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extraction interrupted after %d examples: %w", len(res.Records), err)
		}

		enc, err := tok.EncodeBatch(batch.Prompts())
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize batch starting at example %d: %w", batch.Examples[0].Index, err)
		}
		for i, ex := range batch.Examples {
			rec, err := e.process(ctx, ex, enc.Encodings[i])
			if err != nil {
				return nil, fmt.Errorf("example %d: %w", ex.Index, err)
			}
			res.Records = append(res.Records, rec)
			if bar != nil {
				bar.Add(1)
			}
		}
	}
	if bar != nil {
		bar.Finish()
	}

	logger.Log.Info("Extraction complete",
		"examples", len(res.Records),
		"captures", res.NumCaptures(),
		"cache_hits", e.hits,
		"duration", time.Since(start).String())
	return res, nil
}

func (e *Extractor) process(ctx context.Context, ex dataset.Example, enc tokenizer.Encoding) (Record, error) {
	seq := tokenizer.Unpad(enc)
	n := len(seq.IDs)
	if n == 0 {
		return Record{}, fmt.Errorf("prompt produced no tokens")
	}

	caps, hit := e.cache.get(seq.IDs)
	if hit {
		e.hits++
		metrics.CacheHits.Inc()
	} else {
		started := time.Now()
		acts, err := e.backend.Forward(ctx, seq.IDs, e.keys)
		if err != nil {
			return Record{}, err
		}
		metrics.ForwardDuration.Observe(time.Since(started).Seconds())

		if caps, err = e.slice(acts, n); err != nil {
			return Record{}, err
		}
		checkFinite(ex.Index, caps)
		e.cache.put(seq.IDs, caps)
	}
	metrics.ExamplesTotal.Inc()
	metrics.PromptTokens.Observe(float64(n))

	logger.Log.Debug("Example extracted", "index", ex.Index, "tokens", n, "cached", hit)

	// positions were resolved against the unpadded sequence
	positions := unmaskedPositions(enc.Mask)
	out := make([]Capture, len(caps))
	for i, c := range caps {
		c.Position = positions[c.Position]
		out[i] = c
		metrics.CapturesTotal.WithLabelValues(tensor.Hook(c.Location).String()).Inc()
	}
	return Record{
		Index:         ex.Index,
		Prompt:        ex.Prompt,
		InputIDs:      enc.IDs,
		AttentionMask: enc.Mask,
		Tokens:        enc.Tokens,
		Label:         ex.Label,
		Captures:      out,
	}, nil
}

// slice cuts the requested token rows out of full-sequence activations
func (e *Extractor) slice(acts Activations, n int) ([]Capture, error) {
	caps := make([]Capture, 0, len(e.keys)*len(e.req.Tokens))
	for _, k := range e.keys {
		t, ok := acts[k]
		if !ok {
			return nil, fmt.Errorf("backend returned no %s for layer %d", k.Location, k.Layer)
		}
		for _, tok := range e.req.Tokens {
			pos, err := position(tok, n)
			if err != nil {
				return nil, err
			}
			shape, values, err := sliceAt(t, k.Location, pos, n)
			if err != nil {
				return nil, fmt.Errorf("layer %d %s: %w", k.Layer, k.Location, err)
			}
			caps = append(caps, Capture{
				Layer:    k.Layer,
				Location: int(k.Location),
				Token:    tok,
				Position: pos,
				Shape:    shape,
				Values:   values,
			})
		}
	}
	return caps, nil
}

func sliceAt(t *tensor.Tensor, loc tensor.Hook, pos, n int) ([]int, []float32, error) {
	if loc.IsAttentionMap() {
		if len(t.Shape) != 3 || t.Shape[1] != n || t.Shape[2] != n {
			return nil, nil, fmt.Errorf("attention map has shape %v, want [heads %d %d]", t.Shape, n, n)
		}
		heads := t.Shape[0]
		values := make([]float32, heads*n)
		for h := 0; h < heads; h++ {
			row := (h*n + pos) * n
			copy(values[h*n:(h+1)*n], t.Data[row:row+n])
		}
		return []int{heads, n}, values, nil
	}
	if len(t.Shape) != 2 || t.Shape[0] != n {
		return nil, nil, fmt.Errorf("activation has shape %v, want [%d dim]", t.Shape, n)
	}
	return []int{t.Shape[1]}, slices.Clone(t.Row(pos)), nil
}

func checkFinite(index int, caps []Capture) {
	for _, c := range caps {
		nan, inf := tensor.CountNonFinite(c.Values)
		if nan == 0 && inf == 0 {
			continue
		}
		loc := tensor.Hook(c.Location).String()
		metrics.RecordInstability(loc, nan, inf)
		logger.Log.Warn("Non-finite values in capture",
			"index", index,
			"layer", c.Layer,
			"location", loc,
			"token", c.Token,
			"nan", nan,
			"inf", inf)
	}
}

func unmaskedPositions(mask []int) []int {
	out := make([]int, 0, len(mask))
	for i, m := range mask {
		if m != 0 {
			out = append(out, i)
		}
	}
	return out
}

// forwardCache maps token sequences to their captures. Entries are keyed by
// xxhash and confirmed by comparing the ids.
type forwardCache struct {
	entries map[uint64][]cacheEntry
}

type cacheEntry struct {
	ids      []int
	captures []Capture
}

func newForwardCache() *forwardCache {
	return &forwardCache{entries: make(map[uint64][]cacheEntry)}
}

func hashIDs(ids []int) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (c *forwardCache) get(ids []int) ([]Capture, bool) {
	if c == nil {
		return nil, false
	}
	for _, e := range c.entries[hashIDs(ids)] {
		if slices.Equal(e.ids, ids) {
			return e.captures, true
		}
	}
	return nil, false
}

func (c *forwardCache) put(ids []int, caps []Capture) {
	if c == nil {
		return
	}
	h := hashIDs(ids)
	c.entries[h] = append(c.entries[h], cacheEntry{ids: slices.Clone(ids), captures: caps})
}
