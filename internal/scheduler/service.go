// Package scheduler sweeps due scheduled sends, claims each one exactly once
// and delivers it synchronously.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/provider"
	"github.com/Cypherspark/sms-outreach/internal/recipients"
	"github.com/Cypherspark/sms-outreach/internal/suppression"
	"github.com/rs/zerolog"
)

const (
	reasonTimedOut     = "Message processing timed out"
	reasonNoRecipients = "No recipients found"
	reasonNoTestPhone  = "test phone not configured"
	testRecipientName  = "Admin Test"
)

type Options struct {
	Interval          time.Duration
	MaxLag            time.Duration
	ProcessingTimeout time.Duration
	PacingDelay       time.Duration
	TestPhone         string
}

func DefaultOptions() Options {
	return Options{
		Interval:          5 * time.Second,
		MaxLag:            24 * time.Hour,
		ProcessingTimeout: 10 * time.Minute,
		PacingDelay:       100 * time.Millisecond,
	}
}

type Service struct {
	store      *core.Store
	prov       provider.Provider
	suppressor *suppression.Engine
	opt        Options
	log        zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store *core.Store, prov provider.Provider, suppressor *suppression.Engine, opt Options, log zerolog.Logger) *Service {
	d := DefaultOptions()
	if opt.Interval <= 0 {
		opt.Interval = d.Interval
	}
	if opt.MaxLag <= 0 {
		opt.MaxLag = d.MaxLag
	}
	if opt.ProcessingTimeout <= 0 {
		opt.ProcessingTimeout = d.ProcessingTimeout
	}
	return &Service{
		store:      store,
		prov:       prov,
		suppressor: suppressor,
		opt:        opt,
		log:        log.With().Str("component", "scheduler").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop. It returns false, doing nothing, when the
// loop is already running.
func (s *Service) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info().Dur("interval", s.opt.Interval).Msg("scheduler started")
	return true
}

// Stop ends the loop and waits for an in-flight tick. Safe to call when
// not running.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("scheduler stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.opt.Interval)
	defer t.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Tick runs one sweep: stuck recovery, expiry, then claim-and-send for each
// due item.
func (s *Service) Tick(ctx context.Context) error {
	now := s.now()

	stuck, err := s.store.FailStuckProcessing(ctx, now.Add(-s.opt.ProcessingTimeout), now, reasonTimedOut)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("recover stuck sends: %w", err)
	}
	for _, id := range stuck {
		metrics.ScheduledTotal.WithLabelValues("timed_out").Inc()
		s.log.Warn().Int64("scheduled_id", id).Msg("scheduled send timed out in processing")
	}

	expiredReason := fmt.Sprintf("Message expired - scheduled time was more than %s ago", lagText(s.opt.MaxLag))
	expired, err := s.store.ExpirePending(ctx, now.Add(-s.opt.MaxLag), now, expiredReason)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("expire stale sends: %w", err)
	}
	for _, id := range expired {
		metrics.ScheduledTotal.WithLabelValues("expired").Inc()
		s.log.Info().Int64("scheduled_id", id).Msg("scheduled send expired")
	}

	due, err := s.store.DuePending(ctx, now)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("list due sends: %w", err)
	}
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		s.process(ctx, &due[i])
	}
	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	return nil
}

func (s *Service) process(ctx context.Context, m *core.ScheduledSend) {
	log := s.log.With().Int64("scheduled_id", m.ID).Logger()

	claimed, err := s.store.ClaimScheduled(ctx, m.ID, s.now())
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return
	}
	if !claimed {
		metrics.ScheduledTotal.WithLabelValues("skipped").Inc()
		return
	}
	metrics.ScheduledTotal.WithLabelValues("claimed").Inc()

	rs, err := s.resolve(ctx, m)
	if err != nil {
		s.markFailed(ctx, log, m.ID, err.Error())
		return
	}
	if len(rs) == 0 {
		s.markFailed(ctx, log, m.ID, reasonNoRecipients)
		return
	}

	res, sendErr := provider.SendBulk(ctx, s.prov, rs, m.Body, provider.BulkOptions{Delay: s.opt.PacingDelay})

	// messages may already be out; record them even when the sweep is stopping
	bctx := context.WithoutCancel(ctx)
	if sendErr != nil && len(res.Details) == 0 {
		s.markFailed(bctx, log, m.ID, sendErr.Error())
		return
	}

	status := batchStatus(res.FailureCount)
	if sendErr != nil {
		status = core.BatchFailed
	}
	batch := &core.DeliveryBatch{
		Body:            m.Body,
		Target:          m.Target,
		EventID:         m.EventID,
		Status:          status,
		TotalRecipients: res.Total,
		SuccessCount:    res.SuccessCount,
		FailureCount:    res.FailureCount,
		Results:         res.Details,
	}
	if err := s.store.CreateBatch(bctx, batch); err != nil {
		s.markFailed(bctx, log, m.ID, fmt.Sprintf("record batch: %v", err))
		return
	}

	switch {
	case sendErr != nil:
		log.Warn().Err(sendErr).Int64("batch_id", batch.ID).Int("sent", len(res.Details)).Int("total", res.Total).
			Msg("scheduled send interrupted")
		s.markFailed(bctx, log, m.ID, sendErr.Error())
	default:
		if err := s.store.MarkScheduledSent(bctx, m.ID, s.now(), batch.ID); err != nil {
			log.Error().Err(err).Int64("batch_id", batch.ID).Msg("mark sent failed")
		} else {
			metrics.ScheduledTotal.WithLabelValues("sent").Inc()
			log.Info().Int64("batch_id", batch.ID).Int("success", res.SuccessCount).Int("total", res.Total).Msg("scheduled send delivered")
		}
	}

	if _, err := s.suppressor.Process(bctx, batch.Results, batch.ID); err != nil {
		log.Error().Err(err).Int64("batch_id", batch.ID).Msg("suppression processing failed")
	}
}

func (s *Service) resolve(ctx context.Context, m *core.ScheduledSend) ([]core.Recipient, error) {
	if m.TestMode {
		if s.opt.TestPhone == "" {
			return nil, errors.New(reasonNoTestPhone)
		}
		return []core.Recipient{{Phone: s.opt.TestPhone, Name: testRecipientName}}, nil
	}
	rs, err := recipients.Resolve(ctx, s.store, m.Target, m.EventID)
	if err != nil {
		return nil, err
	}
	kept, skipped, err := recipients.Filter(ctx, s.store, rs)
	if err != nil {
		return nil, fmt.Errorf("filter recipients: %w", err)
	}
	if skipped > 0 {
		s.log.Info().Int64("scheduled_id", m.ID).Int("skipped", skipped).Msg("suppressed recipients skipped")
	}
	return kept, nil
}

func (s *Service) markFailed(ctx context.Context, log zerolog.Logger, id int64, reason string) {
	if err := s.store.MarkScheduledFailed(context.WithoutCancel(ctx), id, s.now(), reason); err != nil {
		log.Error().Err(err).Msg("mark failed")
		return
	}
	metrics.ScheduledTotal.WithLabelValues("failed").Inc()
	log.Info().Str("reason", reason).Msg("scheduled send failed")
}

func batchStatus(failures int) string {
	if failures == 0 {
		return core.BatchSent
	}
	return core.BatchFailed
}

func lagText(d time.Duration) string {
	if m := int(d.Minutes()); m > 0 && time.Duration(m)*time.Minute == d {
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
