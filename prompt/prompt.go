package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"emotion-attention/dataset"
)

var (
	ErrUnknownTemplate = errors.New("unknown prompt template")
	ErrUnknownShot     = errors.New("no in-context example for emotion")
	ErrInvalidType     = errors.New("invalid prompt type")
)

// Func maps raw event text to the model prompt
type Func func(text string) string

// Type is a parsed prompt selector such as "joy_sadness_0"
type Type struct {
	Shots []string
	Index int
}

// ParseType splits a selector into shot names and a template index. The last
// underscore-separated component is the index; everything before it names shots.
func ParseType(s string) (Type, error) {
	parts := strings.Split(s, "_")
	idx, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return Type{}, fmt.Errorf("%w %q: template index must be an integer", ErrInvalidType, s)
	}
	t := Type{Index: idx}
	if len(parts) > 1 {
		t.Shots = parts[:len(parts)-1]
	}
	return t, nil
}

func (t Type) String() string {
	return strings.Join(append(append([]string{}, t.Shots...), strconv.Itoa(t.Index)), "_")
}

// Build returns the formatter for a template index with the given shots
// prepended in order.
func Build(shots []string, index int) (Func, error) {
	tmpl, ok := templates[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTemplate, index)
	}

	var prefix strings.Builder
	for _, shot := range shots {
		emotion := dataset.NormalizeEmotion(shot)
		text, ok := shotBank[emotion]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownShot, shot)
		}
		prefix.WriteString(tmpl.example(text, emotion))
	}
	shotBlock := prefix.String()

	return func(text string) string {
		return tmpl.render(shotBlock, strings.TrimSpace(text))
	}, nil
}

// FromType is Build over a parsed selector.
func FromType(t Type) (Func, error) {
	return Build(t.Shots, t.Index)
}
