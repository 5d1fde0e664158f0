package tokenizer

import (
	"reflect"
	"testing"
)

// wordPieceJSON is a whole-word WordPiece tokenizer.json with no post-processor
const wordPieceJSON = `{
	"version": "1.0",
	"truncation": null,
	"padding": null,
	"added_tokens": [],
	"normalizer": null,
	"pre_tokenizer": {"type": "BertPreTokenizer"},
	"post_processor": null,
	"decoder": null,
	"model": {
		"type": "WordPiece",
		"unk_token": "<unk>",
		"continuing_subword_prefix": "##",
		"max_input_chars_per_word": 100,
		"vocab": {
			"<unk>": 0, "<s>": 1, "</s>": 2,
			"Situation": 3, ":": 4, "Emotion": 5,
			"I": 6, "won": 7, "the": 8, "lottery": 9
		}
	}
}`

func TestHFBackend(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tokenizer.json", wordPieceJSON)
	writeFile(t, dir, "tokenizer_config.json", `{"bos_token": "<s>", "eos_token": "</s>"}`)

	tk, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tk.Close()

	if tk.PadID() != 2 {
		t.Errorf("Expected pad id 2 (eos), got %d", tk.PadID())
	}
	if st := tk.Special(); st.EOS != "</s>" || st.Pad != "" {
		t.Errorf("unexpected special tokens %+v", st)
	}

	enc, err := tk.Encode("I won the lottery")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !reflect.DeepEqual(enc.IDs, []int{6, 7, 8, 9}) {
		t.Errorf("Expected ids [6 7 8 9], got %v", enc.IDs)
	}
	if !reflect.DeepEqual(enc.Tokens, []string{"I", "won", "the", "lottery"}) {
		t.Errorf("unexpected tokens %q", enc.Tokens)
	}

	batch, err := tk.EncodeBatch([]string{"I won the lottery", "the lottery"})
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	short := batch.Encodings[1]
	if !reflect.DeepEqual(short.IDs, []int{2, 2, 8, 9}) {
		t.Errorf("Expected left padding with eos, got %v", short.IDs)
	}
	if !reflect.DeepEqual(short.Mask, []int{0, 0, 1, 1}) {
		t.Errorf("Expected mask [0 0 1 1], got %v", short.Mask)
	}
	if !reflect.DeepEqual(batch.Encodings[0].Mask, []int{1, 1, 1, 1}) {
		t.Errorf("longest row should be unpadded, got %v", batch.Encodings[0].Mask)
	}
}
