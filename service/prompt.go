package service

import (
	"regexp"
	"strings"
)

const (
	StyleGuardrail       = "Style guardrail: original character designs only, no copyrighted characters, logos or watermarks."
	ReferenceUsageClause = "Reference usage: use the reference images for style, palette and character identity only; do not copy their composition."
	IdentityClause       = "Character consistency: keep the main character identical to the character reference image."
)

// Earlier wordings of the clauses above. They are stripped before the
// current clauses are appended so edited prompts never accumulate copies.
var legacyClauses = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s*\(?\s*(style\s+)?guardrail\s*:[^.)]*\.?\)?`),
	regexp.MustCompile(`(?i)\s*reference\s+(usage|images?)\s*:[^.]*\.?`),
	regexp.MustCompile(`(?i)\s*character\s+consistency\s*:[^.]*\.?`),
	regexp.MustCompile(`(?i)\s*use\s+(the\s+)?reference\s+images?\s+(only\s+)?for\s+style[^.]*\.?`),
	regexp.MustCompile(`(?i)\s*original\s+(character\s+)?designs?\s+only[^.]*\.?`),
}

var whitespace = regexp.MustCompile(`\s+`)

// ComposePrompt strips any guardrail wording from base and appends each
// clause once. Composing an already composed prompt returns it unchanged.
func ComposePrompt(base string, clauses ...string) string {
	out := base
	for _, re := range legacyClauses {
		out = re.ReplaceAllString(out, " ")
	}
	for _, c := range clauses {
		out = strings.ReplaceAll(out, c, " ")
	}
	out = strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
	parts := []string{}
	if out != "" {
		parts = append(parts, out)
	}
	seen := map[string]bool{}
	for _, c := range clauses {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		parts = append(parts, c)
	}
	return strings.Join(parts, " ")
}

func sceneImagePrompt(base string) string {
	return ComposePrompt(base, IdentityClause, StyleGuardrail, ReferenceUsageClause)
}

func editablePrompt(base string) string {
	return ComposePrompt(base, StyleGuardrail, ReferenceUsageClause)
}
