// Package provider is the delivery boundary: send one SMS and get back a
// success flag, a provider message id, a status and an error text.
package provider

import (
	"context"
	"errors"
	"fmt"
)

type Result struct {
	Success   bool
	MessageID string
	Status    string
	Error     string
}

// Provider sends a single message. A rejected message is reported through a
// failed Result with a nil error. A non-nil error means the attempt itself did
// not complete; *TransientError marks the ones worth retrying.
type Provider interface {
	Send(ctx context.Context, to, body string) (Result, error)
}

// TransientError is a rate-limit or server-side failure expected to succeed
// on retry.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Retryable() bool { return true }

// IsTransient reports whether err wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTransientStatus is true for 429 and every 5xx code.
func IsTransientStatus(code int) bool {
	return code == 429 || code >= 500
}
