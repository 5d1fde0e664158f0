package prompt

import (
	"errors"
	"strings"
	"testing"

	"emotion-attention/dataset"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in        string
		wantShots []string
		wantIndex int
	}{
		{"joy_sadness_0", []string{"joy", "sadness"}, 0},
		{"2", nil, 2},
		{"anger_1", []string{"anger"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if err != nil {
				t.Fatalf("ParseType: %v", err)
			}
			if got.Index != tt.wantIndex {
				t.Errorf("Index = %d, want %d", got.Index, tt.wantIndex)
			}
			if strings.Join(got.Shots, ",") != strings.Join(tt.wantShots, ",") {
				t.Errorf("Shots = %v, want %v", got.Shots, tt.wantShots)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}

	for _, bad := range []string{"", "joy", "joy_x", "0.5"} {
		if _, err := ParseType(bad); !errors.Is(err, ErrInvalidType) {
			t.Errorf("ParseType(%q): expected ErrInvalidType, got %v", bad, err)
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	for _, idx := range Templates() {
		f1, err := Build([]string{"joy", "sadness"}, idx)
		if err != nil {
			t.Fatalf("Build(%d): %v", idx, err)
		}
		f2, _ := Build([]string{"joy", "sadness"}, idx)

		text := "I won the lottery"
		if a, b := f1(text), f2(text); a != b {
			t.Errorf("template %d not deterministic:\n%q\n%q", idx, a, b)
		}
		if !strings.Contains(f1(text), text) {
			t.Errorf("template %d dropped the event text", idx)
		}
	}
}

func TestBuildShotOrder(t *testing.T) {
	f, err := Build([]string{"joy", "sadness"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := f("I won the lottery")

	joy := strings.Index(out, shotBank["joy"])
	sad := strings.Index(out, shotBank["sadness"])
	target := strings.Index(out, "I won the lottery")
	if joy < 0 || sad < 0 {
		t.Fatalf("shots missing from prompt:\n%s", out)
	}
	if !(joy < sad && sad < target) {
		t.Errorf("shots out of order: joy=%d sadness=%d text=%d", joy, sad, target)
	}
	if !strings.HasSuffix(out, "Situation: I won the lottery\nEmotion:") {
		t.Errorf("unexpected completion suffix:\n%s", out)
	}
}

func TestBuildNoShots(t *testing.T) {
	f, err := Build(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := f("  a day  "); got != "Situation: a day\nEmotion:" {
		t.Errorf("unexpected prompt %q", got)
	}
}

func TestInstructionListsLabels(t *testing.T) {
	f, _ := Build(nil, 1)
	out := f("x")
	for _, e := range dataset.Emotions {
		if !strings.Contains(out, e) {
			t.Errorf("instruction template missing label %q", e)
		}
	}
}

func TestMistralChatForm(t *testing.T) {
	f, _ := Build([]string{"fear"}, 2)
	out := f("x")
	// BOS comes from the tokenizer, not the template
	if !strings.HasPrefix(out, "[INST] "+shotBank["fear"]) {
		t.Errorf("unexpected chat prefix:\n%s", out)
	}
	if strings.Count(out, "[/INST]") != 2 {
		t.Errorf("expected one shot turn plus the query turn:\n%s", out)
	}
}

func TestShotBankCoversEmotions(t *testing.T) {
	for _, e := range dataset.Emotions {
		if _, ok := shotBank[e]; !ok {
			t.Errorf("no shot for %q", e)
		}
	}
	// no-emotion resolves through normalization
	if _, err := Build([]string{"no-emotion"}, 0); err != nil {
		t.Errorf("Build(no-emotion): %v", err)
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build(nil, 7); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("Expected ErrUnknownTemplate, got %v", err)
	}
	if _, err := Build([]string{"joy", "glee"}, 0); !errors.Is(err, ErrUnknownShot) {
		t.Errorf("Expected ErrUnknownShot, got %v", err)
	}

	pt, _ := ParseType("joy__0")
	if _, err := FromType(pt); !errors.Is(err, ErrUnknownShot) {
		t.Errorf("empty shot name should be rejected, got %v", err)
	}
}
