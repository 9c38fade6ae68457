package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"
)

// Dummy accepts everything after a short delay and fails a small share of
// sends with a transient error. Used when provider.driver is "dummy".
type Dummy struct {
	Latency     time.Duration
	FailPercent int
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailPercent: 3} }

func (d *Dummy) Send(ctx context.Context, to, body string) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(d.Latency):
	}
	if d.FailPercent > 0 && rand.IntN(100) < d.FailPercent {
		return Result{}, &TransientError{StatusCode: 503, Err: errors.New("provider_temporary_error")}
	}
	return Result{Success: true, MessageID: "dummy-" + ulid.Make().String(), Status: "queued"}, nil
}
