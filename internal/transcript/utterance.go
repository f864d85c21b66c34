package transcript

import (
	"strings"
	"time"
	"unicode"
)

// SilenceThreshold is the default quiet window after the last final before an
// utterance is handed downstream.
const SilenceThreshold = 700 * time.Millisecond

// ContinuationExtension is added to the window when the last word suggests
// the speaker is mid-sentence (e.g. "and", "or", "if").
const ContinuationExtension = 1200 * time.Millisecond

// delta returns the text of latest that follows the committed prefix.
func delta(latest, committed string) string {
	d := strings.TrimSpace(strings.TrimPrefix(latest, committed))
	if d == "" && committed != "" {
		if idx := strings.LastIndex(latest, committed); idx >= 0 && idx+len(committed) <= len(latest) {
			d = strings.TrimSpace(latest[idx+len(committed):])
		}
	}
	return d
}

// isContinuationLikely reports whether the last meaningful word indicates
// the speaker is likely to continue.
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// subordinating conjunctions
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// prepositions that rarely end a sentence
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
