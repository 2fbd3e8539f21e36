// Package util holds small text and number helpers shared by the evidence,
// scoring and report packages.
package util

import (
	"strings"
	"unicode"
)

const ellipsis = "..."

// TruncateString shortens s to at most maxLen runes, ending in "..." when
// anything was cut. With preserveWords the cut moves back to the last
// whitespace so snippets do not end mid-word.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= len(ellipsis) {
		return ellipsis[:maxLen]
	}
	head := runes[:maxLen-len(ellipsis)]
	if preserveWords {
		for i := len(head) - 1; i > 0; i-- {
			if unicode.IsSpace(head[i]) {
				head = head[:i]
				break
			}
		}
	}
	return string(head) + ellipsis
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "their": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"with": {}, "will": {}, "we": {}, "our": {},
}

// Keywords lowercases s and returns its distinct alphanumeric tokens of two or
// more characters, stopwords removed, in first-seen order.
func Keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// CollapseWhitespace replaces every whitespace run with a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
