// Package dispatch runs the send_bulk job: a sequential, resumable send of
// one delivery batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/provider"
	"github.com/Cypherspark/sms-outreach/internal/queue"
	"github.com/Cypherspark/sms-outreach/internal/suppression"
	"github.com/rs/zerolog"
)

// PermanentError fails the job without retry.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

type Dispatcher struct {
	store      *core.Store
	prov       provider.Provider
	suppressor *suppression.Engine
	delay      time.Duration
	log        zerolog.Logger
}

func NewDispatcher(store *core.Store, prov provider.Provider, suppressor *suppression.Engine, pacing time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		prov:       prov,
		suppressor: suppressor,
		delay:      pacing,
		log:        log.With().Str("component", "dispatch").Logger(),
	}
}

// Handle is the send_bulk queue handler.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	var args queue.SendBulkArgs
	if err := job.Decode(&args); err != nil {
		return &PermanentError{Err: fmt.Errorf("decode send_bulk args: %w", err)}
	}
	return d.Run(ctx, args, job.RetriesLeft)
}

// Run sends args.Body to the recipients the batch has not recorded yet.
// retriesLeft == 0 means a transient failure is final for this batch.
func (d *Dispatcher) Run(ctx context.Context, args queue.SendBulkArgs, retriesLeft int) error {
	log := d.log.With().Int64("batch_id", args.BatchID).Logger()

	batch, err := d.store.GetBatch(ctx, args.BatchID)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("error").Inc()
		if errors.Is(err, core.ErrNotFound) {
			return &PermanentError{Err: fmt.Errorf("delivery batch %d not found", args.BatchID)}
		}
		return &provider.TransientError{Err: fmt.Errorf("load batch %d: %w", args.BatchID, err)}
	}

	recipients := make([]core.Recipient, len(args.Recipients))
	for i, r := range args.Recipients {
		recipients[i] = core.Recipient{Phone: r.Phone, Name: r.Name}
	}
	total := len(recipients)
	start := len(batch.Results)
	if start > total {
		start = total
	}
	remaining := recipients[start:]
	if start > 0 {
		log.Info().Int("resume_from", start).Int("total", total).Msg("resuming batch")
	}

	if len(remaining) == 0 {
		status := finalStatus(batch.FailureCount)
		if err := d.store.FinishBatch(ctx, batch.ID, status, total); err != nil {
			return &provider.TransientError{Err: fmt.Errorf("finish batch: %w", err)}
		}
		d.suppress(ctx, log, batch.ID)
		metrics.DispatchTotal.WithLabelValues(status).Inc()
		log.Info().Str("status", status).Msg("batch already complete")
		return nil
	}

	_, sendErr := provider.SendBulk(ctx, d.prov, remaining, args.Body, provider.BulkOptions{
		Delay:        d.delay,
		AbortOnError: true,
		Progress: func(r core.SendResult) error {
			if err := d.store.AppendBatchResult(ctx, batch.ID, r); err != nil {
				return &provider.TransientError{Err: fmt.Errorf("record result: %w", err)}
			}
			return nil
		},
	})

	if sendErr == nil {
		cur, err := d.store.GetBatch(ctx, batch.ID)
		if err != nil {
			return &provider.TransientError{Err: fmt.Errorf("reload batch: %w", err)}
		}
		status := finalStatus(cur.FailureCount)
		if err := d.store.FinishBatch(ctx, batch.ID, status, total); err != nil {
			return &provider.TransientError{Err: fmt.Errorf("finish batch: %w", err)}
		}
		d.suppress(ctx, log, batch.ID)
		metrics.DispatchTotal.WithLabelValues(status).Inc()
		log.Info().Str("status", status).Int("success", cur.SuccessCount).Int("failure", cur.FailureCount).Msg("batch finished")
		return nil
	}

	// Shutdown mid-send leaves the cursor in place for the next attempt.
	if ctx.Err() != nil {
		metrics.DispatchTotal.WithLabelValues("retry").Inc()
		return &provider.TransientError{Err: sendErr}
	}

	// Bookkeeping below runs even if the job context is about to expire.
	bg := context.WithoutCancel(ctx)

	if provider.IsTransient(sendErr) {
		if retriesLeft > 0 {
			d.suppress(bg, log, batch.ID)
			metrics.DispatchTotal.WithLabelValues("retry").Inc()
			log.Warn().Err(sendErr).Int("retries_left", retriesLeft).Msg("transient provider error; will retry")
			return sendErr
		}
		d.fail(bg, log, batch.ID, total, sendErr)
		return sendErr
	}

	d.fail(bg, log, batch.ID, total, sendErr)
	return &PermanentError{Err: sendErr}
}

// fail records err as a synthetic result entry and marks the batch failed.
func (d *Dispatcher) fail(ctx context.Context, log zerolog.Logger, batchID int64, total int, sendErr error) {
	if err := d.store.AppendBatchResult(ctx, batchID, core.SendResult{Error: sendErr.Error()}); err != nil {
		log.Error().Err(err).Msg("record failure entry")
	}
	if err := d.store.FinishBatch(ctx, batchID, core.BatchFailed, total); err != nil {
		log.Error().Err(err).Msg("mark batch failed")
	}
	d.suppress(ctx, log, batchID)
	metrics.DispatchTotal.WithLabelValues(core.BatchFailed).Inc()
	log.Error().Err(sendErr).Msg("batch failed")
}

// suppress feeds the batch's accumulated results to the suppression engine.
// Errors are logged only; they never change the batch outcome.
func (d *Dispatcher) suppress(ctx context.Context, log zerolog.Logger, batchID int64) {
	b, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		log.Error().Err(err).Msg("load results for suppression")
		return
	}
	if _, err := d.suppressor.Process(ctx, b.Results, batchID); err != nil {
		log.Error().Err(err).Msg("suppression processing failed")
	}
}

func finalStatus(failures int) string {
	if failures == 0 {
		return core.BatchSent
	}
	return core.BatchFailed
}
