package prompt

import (
	"sort"
	"strings"

	"emotion-attention/dataset"
)

type template struct {
	name    string
	example func(text, emotion string) string
	render  func(shots, text string) string
}

var labelList = strings.Join(dataset.Emotions, ", ")

var templates = map[int]template{
	0: {
		name: "completion",
		example: func(text, emotion string) string {
			return "Situation: " + text + "\nEmotion: " + emotion + "\n\n"
		},
		render: func(shots, text string) string {
			return shots + "Situation: " + text + "\nEmotion:"
		},
	},
	1: {
		name: "instruction",
		example: func(text, emotion string) string {
			return "Situation: " + text + "\nEmotion: " + emotion + "\n\n"
		},
		render: func(shots, text string) string {
			return "Read the situation and name the emotion the person felt. " +
				"Answer with one of: " + labelList + ".\n\n" +
				shots + "Situation: " + text + "\nEmotion:"
		},
	},
	2: {
		name: "mistral-chat",
		example: func(text, emotion string) string {
			return "[INST] " + text + " [/INST] " + emotion + "</s>"
		},
		render: func(shots, text string) string {
			return shots + "[INST] How did the person feel in this situation? " +
				"Answer with one of: " + labelList + ".\n" + text + " [/INST] The person felt"
		},
	},
}

// Templates returns the supported template indices in ascending order
func Templates() []int {
	out := make([]int, 0, len(templates))
	for k := range templates {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// TemplateName is a short human name for a template index, or "" if unknown
func TemplateName(index int) string {
	return templates[index].name
}

// shotBank holds one in-context example per emotion. The emotion word is
// masked the same way enVent's hidden_emo_text column is.
var shotBank = map[string]string{
	"anger":    "My landlord kept my deposit for damage that was there before I moved in.",
	"boredom":  "I spent the whole afternoon waiting in a hall with nothing to do.",
	"disgust":  "I found mould growing inside the sandwich I had just bitten into.",
	"fear":     "I heard someone trying to open the back door late at night.",
	"guilt":    "I forgot my best friend's birthday and she found out from someone else.",
	"joy":      "My sister called to tell me she had finally got her dream job.",
	"neutral":  "I took the usual bus to work and sat in my normal seat.",
	"pride":    "I finished my first marathon after training for a whole year.",
	"relief":   "The biopsy results came back and the lump was benign.",
	"sadness":  "Our family dog died after being with us for fifteen years.",
	"shame":    "I was caught copying answers during an exam in front of the class.",
	"surprise": "My colleagues threw a party for me that I knew nothing about.",
	"trust":    "I left my house keys with my neighbour while I was away for a month.",
}
