package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// NoEmotion is the enVent label for events without a felt emotion
const NoEmotion = "no-emotion"

// Neutral replaces NoEmotion after normalization
const Neutral = "neutral"

// Emotions is the fixed label vocabulary. An emotion's id is its index.
var Emotions = []string{
	"anger", "boredom", "disgust", "fear", "guilt", "joy", "neutral",
	"pride", "relief", "sadness", "shame", "surprise", "trust",
}

// Appraisals lists the appraisal columns in label-vector order
var Appraisals = []string{
	"predict_event", "pleasantness", "other_responsblt", "chance_control",
	"suddenness", "familiarity", "unpleasantness", "goal_relevance",
	"self_responsblt", "predict_conseq", "goal_support", "urgency",
	"self_control", "other_control", "accept_conseq", "standards",
	"social_norms", "attention", "not_consider", "effort",
}

// NumAppraisals is the number of appraisal dimensions per row
const NumAppraisals = 20

// LabelWidth is the length of a label vector: the emotion id followed by the appraisals
const LabelWidth = 1 + NumAppraisals

var ErrUnknownEmotion = errors.New("unknown emotion")

var emotionToID = func() map[string]int {
	m := make(map[string]int, len(Emotions))
	for i, e := range Emotions {
		m[e] = i
	}
	return m
}()

// NormalizeEmotion trims the label and folds "no-emotion" into "neutral".
func NormalizeEmotion(label string) string {
	label = strings.TrimSpace(label)
	if label == NoEmotion {
		return Neutral
	}
	return label
}

// EmotionID returns the position of label in Emotions.
func EmotionID(label string) (int, error) {
	id, ok := emotionToID[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEmotion, label)
	}
	return id, nil
}

// EmotionName is the inverse of EmotionID.
func EmotionName(id int) (string, error) {
	if id < 0 || id >= len(Emotions) {
		return "", fmt.Errorf("%w: id %d", ErrUnknownEmotion, id)
	}
	return Emotions[id], nil
}
