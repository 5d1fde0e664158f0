//go:build ffi

package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

func init() {
	Register("ffi", newFFI)
}

// ffiEncoder binds the Rust tokenizers library. Vocabulary lookups for
// special tokens are served from tokenizer.json directly.
type ffiEncoder struct {
	tk    *tokenizers.Tokenizer
	vocab map[string]int
}

type tokenizerJSON struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

func newFFI(dir string) (encoder, error) {
	path := filepath.Join(dir, "tokenizer.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	vocab := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	for tok, id := range tj.Model.Vocab {
		vocab[tok] = id
	}
	for _, at := range tj.AddedTokens {
		vocab[at.Content] = at.ID
	}

	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, err
	}
	return &ffiEncoder{tk: tk, vocab: vocab}, nil
}

func (f *ffiEncoder) encode(text string, addSpecial bool) ([]int, []string, error) {
	raw, toks := f.tk.Encode(text, addSpecial)
	ids := make([]int, len(raw))
	for i, id := range raw {
		ids[i] = int(id)
	}
	return ids, toks, nil
}

func (f *ffiEncoder) tokenID(token string) (int, bool) {
	id, ok := f.vocab[token]
	return id, ok
}

func (f *ffiEncoder) close() {
	f.tk.Close()
}
