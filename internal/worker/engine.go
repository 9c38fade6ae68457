package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/queue"
	"github.com/rs/zerolog"
)

// Handler runs one job. Returning an error whose Retryable method reports
// true requeues the job while it has retries left; any other error parks it.
type Handler func(ctx context.Context, job *queue.Job) error

type WorkerOptions struct {
	Concurrency int           // number of consumer goroutines
	ReceiveWait time.Duration // how long one Receive blocks
	BackoffMin  time.Duration // broker error backoff
	BackoffMax  time.Duration
	JobTimeout  time.Duration // per-job timeout, 0 = none
	Retry       queue.RetryPolicy
}

type Runner struct {
	broker   queue.Broker
	handlers map[string]Handler
	opt      WorkerOptions
	log      zerolog.Logger
}

func NewRunner(broker queue.Broker, opt WorkerOptions, log zerolog.Logger) *Runner {
	if opt.Concurrency <= 0 {
		opt.Concurrency = 1
	}
	if opt.ReceiveWait <= 0 {
		opt.ReceiveWait = 2 * time.Second
	}
	if opt.BackoffMin <= 0 {
		opt.BackoffMin = 200 * time.Millisecond
	}
	if opt.BackoffMax < opt.BackoffMin {
		opt.BackoffMax = 5 * time.Second
	}
	return &Runner{broker: broker, handlers: map[string]Handler{}, opt: opt, log: log.With().Str("component", "worker").Logger()}
}

func (r *Runner) Handle(name string, h Handler) { r.handlers[name] = h }

// Run blocks until ctx is cancelled and every consumer has returned.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(r.opt.Concurrency)
	for i := 0; i < r.opt.Concurrency; i++ {
		go func(n int) {
			defer wg.Done()
			r.consume(ctx, n)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) consume(ctx context.Context, n int) {
	backoff := r.opt.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := r.broker.Receive(ctx, r.opt.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			// exponential + jitter
			sleep := jitter(backoff, 0.20)
			r.log.Error().Err(err).Int("consumer", n).Dur("backoff", sleep).Msg("receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			backoff = minDur(r.opt.BackoffMax, time.Duration(float64(backoff)*1.6))
			continue
		}
		backoff = r.opt.BackoffMin

		if d == nil {
			continue
		}
		r.process(ctx, d)
	}
}

// process runs one delivery and settles it: ack, requeue or park.
func (r *Runner) process(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	log := r.log.With().Str("job", job.Name).Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	err := r.run(ctx, job)
	switch {
	case err == nil:
		metrics.JobTotal.WithLabelValues(job.Name, "ok").Inc()
		log.Info().Msg("job done")

	case retryable(err):
		if next, delay, ok := r.opt.Retry.Next(job, err); ok {
			if perr := r.broker.Publish(ctx, next, delay); perr != nil {
				log.Error().Err(perr).Msg("requeue failed; job not acked")
				return
			}
			metrics.RetryTotal.Inc()
			metrics.JobTotal.WithLabelValues(job.Name, "retry").Inc()
			log.Warn().Err(err).Dur("delay", delay).Int("retries_left", next.RetriesLeft).Msg("job retry scheduled")
			break
		}
		r.park(ctx, log, job, err)

	default:
		r.park(ctx, log, job, err)
	}

	if err := d.Ack(); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func (r *Runner) run(ctx context.Context, job *queue.Job) (err error) {
	h, ok := r.handlers[job.Name]
	if !ok {
		return fmt.Errorf("no handler for job %q", job.Name)
	}
	if r.opt.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opt.JobTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return h(ctx, job)
}

func (r *Runner) park(ctx context.Context, log zerolog.Logger, job *queue.Job, err error) {
	metrics.JobTotal.WithLabelValues(job.Name, "dead").Inc()
	log.Error().Err(err).Msg("job failed permanently")
	if derr := r.broker.Dead(ctx, job, err.Error()); derr != nil {
		log.Error().Err(derr).Msg("park failed")
	}
}

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
