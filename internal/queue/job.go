// Package queue moves background jobs between the API, the scheduler and
// the worker pool. Delivery is at-least-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Job names.
const (
	SendBulk             = "send_bulk"
	BackfillSuppressions = "backfill_suppressions"
)

var ErrClosed = errors.New("queue: broker closed")

type Job struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	// Attempt is 1 on the first run.
	Attempt int `json:"attempt"`
	// RetriesLeft is 0 on the last attempt the job will get.
	RetriesLeft int       `json:"retries_left"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastError   string    `json:"last_error,omitempty"`
}

func NewJob(name string, args any, retries int) (*Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	if retries < 0 {
		retries = 0
	}
	return &Job{
		ID:          ulid.Make().String(),
		Name:        name,
		Args:        raw,
		Attempt:     1,
		RetriesLeft: retries,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

func (j *Job) Decode(v any) error { return json.Unmarshal(j.Args, v) }

// Delivery is a received job that must be acknowledged once handled.
type Delivery struct {
	Job *Job
	ack func() error
}

func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

type Broker interface {
	// Publish makes job visible to consumers after delay.
	Publish(ctx context.Context, job *Job, delay time.Duration) error
	// Receive waits up to wait for the next job. It returns nil, nil when
	// nothing arrived in time.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Dead parks a job that will not be retried.
	Dead(ctx context.Context, job *Job, reason string) error
	Close() error
}

// SendBulkArgs is the send_bulk payload.
type SendBulkArgs struct {
	BatchID    int64          `json:"batch_id"`
	Recipients []RecipientArg `json:"recipients"`
	Body       string         `json:"body"`
}

type RecipientArg struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// BackfillArgs is the backfill_suppressions payload.
type BackfillArgs struct {
	BatchSize int `json:"batch_size"`
}
