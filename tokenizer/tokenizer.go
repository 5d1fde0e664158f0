package tokenizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"emotion-attention/logger"
)

// Side selects where padding goes in a batch
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

var (
	ErrUnknownBackend = errors.New("unknown tokenizer backend")
	ErrNoPadToken     = errors.New("tokenizer has neither pad nor eos token")
)

// Encoding is one tokenized text
type Encoding struct {
	IDs    []int
	Tokens []string
	Mask   []int
}

// Len is the number of positions, padding included
func (e Encoding) Len() int { return len(e.IDs) }

// Batch holds encodings padded to a common length
type Batch struct {
	Encodings []Encoding
	Side      Side
}

// Tokenizer turns prompts into model inputs
type Tokenizer interface {
	Encode(text string) (Encoding, error)
	EncodeBatch(texts []string) (Batch, error)
	PadID() int
	Close() error
}

// encoder is what a backend library has to provide
type encoder interface {
	encode(text string, addSpecial bool) ([]int, []string, error)
	tokenID(token string) (int, bool)
	close()
}

// Factory opens a backend from a model directory
type Factory func(dir string) (encoder, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Factory)
)

// Register makes a backend available by name. Backends register from init.
func Register(name string, f Factory) {
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

type options struct {
	backend    string
	side       Side
	addSpecial bool
}

type Option func(*options)

func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

func WithPaddingSide(side Side) Option {
	return func(o *options) { o.side = side }
}

// WithSpecialTokens controls whether BOS/EOS templates from tokenizer.json are applied
func WithSpecialTokens(add bool) Option {
	return func(o *options) { o.addSpecial = add }
}

// Pipeline is a backend plus the special-token and padding policy of a model directory
type Pipeline struct {
	enc        encoder
	special    SpecialTokens
	padID      int
	padToken   string
	side       Side
	addSpecial bool
}

// Open loads the tokenizer in dir. When the model declares no pad token the
// eos token is used for padding.
func Open(dir string, opts ...Option) (*Pipeline, error) {
	o := options{backend: "hf", side: Left, addSpecial: true}
	for _, opt := range opts {
		opt(&o)
	}
	side := Side(strings.ToLower(string(o.side)))
	if side != Left && side != Right {
		return nil, fmt.Errorf("invalid padding side %q", o.side)
	}

	backendsMu.RLock()
	factory, ok := backends[o.backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, o.backend, strings.Join(Backends(), ", "))
	}

	special, err := LoadSpecialTokens(dir)
	if err != nil {
		return nil, err
	}

	enc, err := factory(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s tokenizer from %s: %w", o.backend, dir, err)
	}

	p := &Pipeline{enc: enc, special: special, padID: -1, side: side, addSpecial: o.addSpecial}
	if err := p.resolvePad(); err != nil {
		enc.close()
		return nil, err
	}

	logger.Log.Info("Tokenizer loaded", "backend", o.backend, "pad", p.padToken, "pad_id", p.padID, "side", string(side))
	return p, nil
}

func (p *Pipeline) resolvePad() error {
	if p.special.Pad != "" {
		if id, ok := p.enc.tokenID(p.special.Pad); ok {
			p.padID, p.padToken = id, p.special.Pad
			return nil
		}
	}
	if p.special.EOS != "" {
		if id, ok := p.enc.tokenID(p.special.EOS); ok {
			p.padID, p.padToken = id, p.special.EOS
			return nil
		}
	}
	if p.special.EOSID >= 0 {
		p.padID, p.padToken = p.special.EOSID, p.special.EOS
		return nil
	}
	return ErrNoPadToken
}

func (p *Pipeline) PadID() int { return p.padID }

// Special returns the declared special tokens
func (p *Pipeline) Special() SpecialTokens { return p.special }

func (p *Pipeline) Side() Side { return p.side }

// Encode tokenizes a single text without padding.
func (p *Pipeline) Encode(text string) (Encoding, error) {
	ids, toks, err := p.enc.encode(text, p.addSpecial)
	if err != nil {
		return Encoding{}, err
	}
	if len(toks) != len(ids) {
		toks = make([]string, len(ids))
	}
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return Encoding{IDs: ids, Tokens: toks, Mask: mask}, nil
}

// EncodeBatch tokenizes texts and pads them to the longest one.
func (p *Pipeline) EncodeBatch(texts []string) (Batch, error) {
	encs := make([]Encoding, len(texts))
	for i, text := range texts {
		e, err := p.Encode(text)
		if err != nil {
			return Batch{}, fmt.Errorf("text %d: %w", i, err)
		}
		encs[i] = e
	}
	return Batch{Encodings: Pad(encs, p.padID, p.padToken, p.side), Side: p.side}, nil
}

func (p *Pipeline) Close() error {
	p.enc.close()
	return nil
}

// Pad extends every encoding to the longest length with masked pad positions.
func Pad(encs []Encoding, padID int, padToken string, side Side) []Encoding {
	longest := 0
	for _, e := range encs {
		longest = max(longest, e.Len())
	}

	out := make([]Encoding, len(encs))
	for i, e := range encs {
		n := longest - e.Len()
		if n == 0 {
			out[i] = e
			continue
		}
		ids := make([]int, 0, longest)
		toks := make([]string, 0, longest)
		mask := make([]int, 0, longest)
		if side == Right {
			ids = append(ids, e.IDs...)
			toks = append(toks, e.Tokens...)
			mask = append(mask, e.Mask...)
		}
		for j := 0; j < n; j++ {
			ids = append(ids, padID)
			toks = append(toks, padToken)
			mask = append(mask, 0)
		}
		if side != Right {
			ids = append(ids, e.IDs...)
			toks = append(toks, e.Tokens...)
			mask = append(mask, e.Mask...)
		}
		out[i] = Encoding{IDs: ids, Tokens: toks, Mask: mask}
	}
	return out
}

// Unpad returns the ids and tokens at unmasked positions
func Unpad(e Encoding) Encoding {
	var out Encoding
	for i, m := range e.Mask {
		if m == 0 {
			continue
		}
		out.IDs = append(out.IDs, e.IDs[i])
		out.Tokens = append(out.Tokens, e.Tokens[i])
		out.Mask = append(out.Mask, 1)
	}
	return out
}
