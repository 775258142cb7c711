// Package textutil provides the text normalization shared by answer scoring,
// question de-duplication and dialogue filtering.
package textutil

import (
	"regexp"
	"strings"
)

var (
	wordPattern    = regexp.MustCompile(`[\p{L}\p{N}]+`)
	ordinalPattern = regexp.MustCompile(`^(\d+)(st|nd|rd|th)$`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

// stopWords are dropped by Keywords
var stopWords = map[string]struct{}{
	"how": {}, "what": {}, "when": {}, "where": {}, "why": {}, "who": {}, "which": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "did": {}, "does": {}, "do": {},
	"in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "to": {}, "of": {},
	"and": {}, "or": {}, "but": {}, "the": {}, "a": {}, "an": {},
	"they": {}, "their": {}, "them": {}, "she": {}, "he": {}, "her": {}, "his": {},
	"you": {}, "your": {}, "this": {}, "that": {}, "from": {}, "will": {}, "have": {}, "has": {},
}

// Normalize lower-cases s, collapses runs of whitespace and trims it.
func Normalize(s string) string {
	return Collapse(strings.ToLower(s))
}

// Collapse replaces runs of whitespace with a single space and trims s.
func Collapse(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// Tokens splits s into lower-case word tokens. Punctuation is dropped and
// ordinal suffixes are stripped from numbers ("15th" -> "15").
func Tokens(s string) []string {
	words := wordPattern.FindAllString(strings.ToLower(s), -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if m := ordinalPattern.FindStringSubmatch(w); m != nil {
			w = m[1]
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// Canonical joins Tokens(s) with single spaces. Two texts that differ only in
// case, spacing, punctuation or ordinal suffixes share the same canonical form.
func Canonical(s string) string {
	return strings.Join(Tokens(s), " ")
}

// Keywords returns the distinct salient tokens of s in first-seen order.
// Numbers are always salient; other words need at least three letters and
// must not be stop words.
func Keywords(s string) []string {
	seen := make(map[string]struct{})
	var keywords []string
	for _, tok := range Tokens(s) {
		if _, ok := seen[tok]; ok {
			continue
		}
		if !IsNumber(tok) {
			if len([]rune(tok)) < 3 {
				continue
			}
			if _, stop := stopWords[tok]; stop {
				continue
			}
		}
		seen[tok] = struct{}{}
		keywords = append(keywords, tok)
	}
	return keywords
}

// TokenSet returns the set of Tokens(s).
func TokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokens(s) {
		set[tok] = struct{}{}
	}
	return set
}

// IsNumber reports whether s consists of ASCII digits only.
func IsNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
