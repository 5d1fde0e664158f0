package tokenizer

import (
	"path/filepath"

	sugar "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

func init() {
	Register("hf", newHF)
}

// hfEncoder runs tokenizer.json through the pure-Go sugarme implementation
type hfEncoder struct {
	tk *sugar.Tokenizer
}

func newHF(dir string) (encoder, error) {
	tk, err := pretrained.FromFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}
	return &hfEncoder{tk: tk}, nil
}

func (h *hfEncoder) encode(text string, addSpecial bool) ([]int, []string, error) {
	en, err := h.tk.EncodeSingle(text, addSpecial)
	if err != nil {
		return nil, nil, err
	}
	return en.Ids, en.Tokens, nil
}

func (h *hfEncoder) tokenID(token string) (int, bool) {
	return h.tk.TokenToId(token)
}

func (h *hfEncoder) close() {}
