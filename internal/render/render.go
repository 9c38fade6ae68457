// Package render fills recipient placeholders in outbound message bodies.
package render

import (
	"regexp"
	"strings"
)

// Fallback replaces name placeholders when the recipient has no name.
const Fallback = "there"

var (
	tokenPattern = regexp.MustCompile(`\{[^{}]*\}`)
	knownTokens  = map[string]bool{"{first_name}": true, "{name}": true, "{full_name}": true}
)

// Message substitutes {first_name}, {name} and {full_name} for the given name.
func Message(body, name string) string {
	full := strings.Join(strings.Fields(name), " ")
	first, _, _ := strings.Cut(full, " ")
	if full == "" {
		full, first = Fallback, Fallback
	}
	return strings.NewReplacer(
		"{first_name}", first,
		"{full_name}", full,
		"{name}", full,
	).Replace(body)
}

// InvalidTokens lists brace placeholders that Message does not understand,
// in order of appearance.
func InvalidTokens(body string) []string {
	var out []string
	for _, tok := range tokenPattern.FindAllString(body, -1) {
		if !knownTokens[tok] {
			out = append(out, tok)
		}
	}
	return out
}
