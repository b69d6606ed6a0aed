// Package sentiment scores short English texts with keyword buckets. The
// store uses it to weight memories and tag positive moments.
package sentiment

import (
	"math"
	"strings"
	"unicode"
)

// Label is the dominant feeling detected in a text.
type Label string

const (
	Neutral    Label = "neutral"
	Joy        Label = "joy"
	Sadness    Label = "sadness"
	Anger      Label = "anger"
	Fear       Label = "fear"
	Excitement Label = "excitement"
	Trust      Label = "trust"
	Gratitude  Label = "gratitude"
)

// Positive reports whether the label counts as a positive interaction.
func (l Label) Positive() bool {
	switch l {
	case Joy, Excitement, Trust, Gratitude:
		return true
	}
	return false
}

// Result is the analysis of one text.
type Result struct {
	Label  Label
	Score  int
	Weight float64 // emotional weight, 1.0 is neutral
}

// Tags returns the memory tags implied by the result.
func (r Result) Tags() []string {
	if r.Label == Neutral {
		return nil
	}
	tags := []string{string(r.Label)}
	if r.Label.Positive() {
		tags = append(tags, "positive")
	}
	return tags
}

var keywordBuckets = map[Label][]string{
	Joy: {
		"happy", "glad", "delighted", "love", "lovely", "wonderful", "great", "awesome", "amazing",
		"fun", "enjoy", "smile", "laugh", "haha", "lol", "beautiful", "fantastic",
	},
	Sadness: {
		"sad", "unhappy", "cry", "crying", "depressed", "lonely", "alone", "miss", "lost",
		"hurt", "sorrow", "grief", "upset", "heartbroken", "disappointed", "tired of",
	},
	Anger: {
		"angry", "furious", "rage", "mad", "annoyed", "hate", "pissed", "outraged",
		"fed up", "sick of", "unfair",
	},
	Fear: {
		"afraid", "scared", "fear", "anxious", "worried", "nervous", "panic", "terrified",
	},
	Excitement: {
		"excited", "can't wait", "cannot wait", "thrilled", "wow", "incredible", "unbelievable",
		"hype", "stoked", "finally",
	},
	Trust: {
		"trust", "honest", "rely on", "count on", "confide", "secret", "promise", "believe in you",
	},
	Gratitude: {
		"thank you", "thanks", "grateful", "appreciate", "means a lot",
	},
}

var punctuationBoost = map[Label]int{
	Joy:        2,
	Excitement: 3,
}

// Analyze scores text and derives an emotional weight in [0.5, 3.0].
// Strong feelings, positive or not, weigh more than neutral chatter.
func Analyze(text string) Result {
	label, score := scoreText(text)
	if score == 0 {
		return Result{Label: Neutral, Weight: 1.0}
	}

	weight := 1.0 + float64(score)/6
	if label == Excitement {
		weight += 0.25
	}
	weight = math.Max(0.5, math.Min(3.0, weight))

	return Result{Label: label, Score: score, Weight: weight}
}

func scoreText(text string) (Label, int) {
	tokens := tokenize(text)
	scores := make(map[Label]int)
	if len(tokens) > 0 {
		words := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			words[tok] = struct{}{}
		}
		// Padded so phrases only match on whole-word boundaries.
		joined := " " + strings.Join(tokens, " ") + " "
		for label, keywords := range keywordBuckets {
			for _, kw := range keywords {
				if matchKeyword(kw, words, joined) {
					scores[label] += 3
				}
			}
		}
	}

	exclamations := strings.Count(text, "!")
	if exclamations > 0 {
		scores[Excitement] += exclamations * punctuationBoost[Excitement]
		if exclamations == 1 {
			scores[Joy] += punctuationBoost[Joy]
		}
	}

	// Iterate in a fixed order so ties resolve the same way every time.
	best, bestScore := Neutral, 0
	for _, label := range []Label{Gratitude, Trust, Joy, Excitement, Sadness, Anger, Fear} {
		if s := scores[label]; s > bestScore {
			best, bestScore = label, s
		}
	}
	return best, bestScore
}

// tokenize lowercases text and splits it into words. Apostrophes stay inside
// words so contractions like "can't" survive.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func matchKeyword(kw string, words map[string]struct{}, joined string) bool {
	if !strings.Contains(kw, " ") {
		_, ok := words[kw]
		return ok
	}
	return strings.Contains(joined, " "+kw+" ")
}
