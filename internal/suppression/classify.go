// Package suppression turns delivery failures into opt-out and suppression
// records so later sends skip numbers that cannot or should not be reached.
package suppression

import "strings"

type Category string

const (
	OptOut   Category = "opt_out"
	HardFail Category = "hard_fail"
	SoftFail Category = "soft_fail"
)

// Pattern sets are checked in this order; the first hit wins.
var (
	optOutPatterns = []string{
		"unsubscribed", "opted out", "opt-out", "opt out", "stop", "reply stop", "unsubscribe",
		"cancel", "quit", "end", "blocked", "recipient has opted out", "21610", "30004",
	}
	hardFailPatterns = []string{
		"invalid", "not a valid", "does not exist", "unknown subscriber", "unreachable", "landline",
		"not a mobile", "no route", "unassigned", "number is not valid", "phone number is not",
		"carrier violation", "30003", "30005", "30007",
	}
	softFailPatterns = []string{
		"temporarily", "timeout", "timed out", "rate limit", "throttle", "too many requests", "network",
		"connection", "service unavailable", "server error", "unavailable", "gateway",
		"429", "500", "502", "503", "504",
	}
)

// Classify maps provider error text to a category. Empty or unrecognised
// text is a soft failure.
func Classify(errText string) Category {
	msg := strings.ToLower(errText)
	if msg == "" {
		return SoftFail
	}
	switch {
	case containsAny(msg, optOutPatterns):
		return OptOut
	case containsAny(msg, hardFailPatterns):
		return HardFail
	case containsAny(msg, softFailPatterns):
		return SoftFail
	}
	return SoftFail
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
