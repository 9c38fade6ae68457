// Package phone canonicalizes phone numbers and inbound keyword text so that
// every other package can compare them with plain string equality.
package phone

import (
	"regexp"
	"strings"
)

var (
	nonDialable = regexp.MustCompile(`[^\d+]`)
	e164        = regexp.MustCompile(`^\+\d{7,15}$`)
)

// Normalize strips everything except digits and '+' and returns an E.164-ish
// number. A leading '+' is kept verbatim, 10-digit and 1-prefixed 11-digit
// numbers are treated as North American, anything else just gets a '+'.
func Normalize(raw string) string {
	cleaned := nonDialable.ReplaceAllString(strings.TrimSpace(raw), "")
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	switch {
	case len(cleaned) == 11 && cleaned[0] == '1':
		return "+" + cleaned
	case len(cleaned) == 10:
		return "+1" + cleaned
	}
	return "+" + cleaned
}

// Valid reports whether raw normalizes to '+' followed by 7 to 15 digits.
func Valid(raw string) bool {
	if raw == "" {
		return false
	}
	return e164.MatchString(Normalize(raw))
}

// NormalizeKeyword upper-cases text and collapses whitespace runs to single spaces.
func NormalizeKeyword(raw string) string {
	return strings.Join(strings.Fields(strings.ToUpper(raw)), " ")
}

// KeywordCandidates returns the normalized text followed by its first word
// when the two differ. Empty input yields no candidates.
func KeywordCandidates(text string) []string {
	normalized := NormalizeKeyword(text)
	if normalized == "" {
		return nil
	}
	first, _, _ := strings.Cut(normalized, " ")
	if first == normalized {
		return []string{normalized}
	}
	return []string{normalized, first}
}
