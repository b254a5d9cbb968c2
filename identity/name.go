// Package identity finds a verified reference image for a named character:
// name inference, multi-source search, scoring and the registry cache.
package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NameKey folds diacritics and keeps lowercase letters and digits, so
// "Zoë O'Neil" and "zoe oneil" share a key.
func NameKey(name string) string {
	folded := Fold(name)
	var b strings.Builder
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Fold lowercases and strips combining marks.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

var properNoun = regexp.MustCompile(`\b[A-Z][a-zA-Z'\-]+(?:\s+[A-Z][a-zA-Z'\-]+){1,3}\b`)

// Capitalised words that start sentences or headings rather than names.
var nameDenylist = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "but": true, "or": true,
	"in": true, "on": true, "at": true, "of": true, "for": true, "with": true,
	"as": true, "by": true, "from": true, "to": true, "into": true,
	"he": true, "she": true, "they": true, "his": true, "her": true, "their": true,
	"it": true, "its": true, "this": true, "that": true, "these": true, "those": true,
	"we": true, "our": true, "you": true, "your": true, "i": true,
	"then": true, "when": true, "after": true, "before": true, "while": true,
	"meanwhile": true, "suddenly": true, "later": true, "finally": true,
	"inside": true, "outside": true, "night": true, "day": true,
	"morning": true, "evening": true, "chapter": true, "scene": true,
	"story": true, "episode": true, "part": true, "act": true, "narrator": true,
	"close": true, "wide": true, "shot": true, "cinematic": true,
}

// InferTargetName returns the configured name when set, otherwise the first
// run of two to four capitalised tokens in texts that survives the
// denylist.
func InferTargetName(configured string, texts ...string) string {
	if name := strings.TrimSpace(configured); name != "" {
		return name
	}
	for _, text := range texts {
		for _, m := range properNoun.FindAllString(text, -1) {
			tokens := strings.Fields(m)
			for len(tokens) > 0 && nameDenylist[strings.ToLower(tokens[0])] {
				tokens = tokens[1:]
			}
			for len(tokens) > 0 && nameDenylist[strings.ToLower(tokens[len(tokens)-1])] {
				tokens = tokens[:len(tokens)-1]
			}
			if len(tokens) >= 2 {
				return strings.Join(tokens, " ")
			}
		}
	}
	return ""
}

// nameTokens splits a name into folded tokens of at least two characters.
func nameTokens(name string) []string {
	var out []string
	for _, tok := range strings.FieldsFunc(Fold(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) >= 2 {
			out = append(out, tok)
		}
	}
	return out
}
