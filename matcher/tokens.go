package matcher

import (
	"strings"
	"unicode"
)

// stopwords are dropped before hashing and lexical overlap.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"and": true, "or": true, "but": true, "of": true, "on": true,
	"in": true, "into": true, "at": true, "by": true, "for": true,
	"from": true, "to": true, "with": true, "it": true, "its": true,
	"this": true, "that": true, "there": true, "some": true, "has": true,
	"have": true, "i": true, "you": true, "can": true, "see": true,
	"seen": true, "visible": true, "shows": true, "showing": true, "image": true,
	"scene": true, "appears": true, "looks": true, "person": true, "user": true,
}

// Tokenize lowercases text, splits on anything that is not a letter or digit,
// drops stopwords and strips a plural "s".
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		if stopwords[w] || len(w) < 2 {
			continue
		}
		out = append(out, singular(w))
	}
	return out
}

func singular(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

// lexicalOverlap counts distinct observation tokens that appear in the cues.
func lexicalOverlap(obsTokens []string, cues []string) int {
	cueSet := make(map[string]bool)
	for _, c := range cues {
		for _, tok := range Tokenize(c) {
			cueSet[tok] = true
		}
	}
	seen := make(map[string]bool)
	n := 0
	for _, tok := range obsTokens {
		if cueSet[tok] && !seen[tok] {
			seen[tok] = true
			n++
		}
	}
	return n
}
