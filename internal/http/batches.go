package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/queue"
	"github.com/Cypherspark/sms-outreach/internal/recipients"
	"github.com/Cypherspark/sms-outreach/internal/render"
)

var errNoRecipients = errors.New("no_recipients")

type audience struct {
	Body    string `json:"body"`
	Target  string `json:"target"`
	EventID *int64 `json:"event_id,omitempty"`
}

// validate trims the body and checks target and template tokens. It returns
// an error code for the client, or "".
func (a *audience) validate() string {
	a.Body = strings.TrimSpace(a.Body)
	if a.Body == "" {
		return "empty_body"
	}
	switch a.Target {
	case core.TargetCommunity:
		a.EventID = nil
	case core.TargetEvent:
		if a.EventID == nil {
			return "event_id_required"
		}
	default:
		return "invalid_target"
	}
	if bad := render.InvalidTokens(a.Body); len(bad) > 0 {
		return "invalid_tokens: " + strings.Join(bad, ", ")
	}
	return ""
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var in audience
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if code := in.validate(); code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}

	batch, skipped, err := s.queueBatch(r.Context(), in)
	switch {
	case errors.Is(err, errNoRecipients):
		writeError(w, http.StatusUnprocessableEntity, "no_recipients")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch": batch, "skipped": skipped})
}

// queueBatch resolves and filters the audience, records a processing batch
// and enqueues its send job.
func (s *Server) queueBatch(ctx context.Context, in audience) (*core.DeliveryBatch, int, error) {
	all, err := recipients.Resolve(ctx, s.Store, in.Target, in.EventID)
	if err != nil {
		return nil, 0, err
	}
	kept, skipped, err := recipients.Filter(ctx, s.Store, all)
	if err != nil {
		return nil, 0, err
	}
	if len(kept) == 0 {
		return nil, skipped, errNoRecipients
	}

	batch := &core.DeliveryBatch{
		Body:            in.Body,
		Target:          in.Target,
		EventID:         in.EventID,
		Status:          core.BatchProcessing,
		TotalRecipients: len(kept),
	}
	if err := s.Store.CreateBatch(ctx, batch); err != nil {
		return nil, 0, fmt.Errorf("create batch: %w", err)
	}

	args := queue.SendBulkArgs{BatchID: batch.ID, Body: in.Body}
	for _, rc := range kept {
		args.Recipients = append(args.Recipients, queue.RecipientArg{Phone: rc.Phone, Name: rc.Name})
	}
	job, err := queue.NewJob(queue.SendBulk, args, s.opt.SendRetries)
	if err != nil {
		return nil, 0, err
	}
	if err := s.Broker.Publish(ctx, job, 0); err != nil {
		s.abandonBatch(ctx, batch.ID, len(kept), err)
		return nil, 0, fmt.Errorf("enqueue batch %d: %w", batch.ID, err)
	}
	metrics.DispatchTotal.WithLabelValues("queued").Inc()
	s.log.Info().Int64("batch_id", batch.ID).Str("job_id", job.ID).Int("recipients", len(kept)).
		Int("skipped", skipped).Msg("batch queued")
	return batch, skipped, nil
}

// abandonBatch closes out a batch whose send job never reached the broker, so
// it does not sit in processing forever.
func (s *Server) abandonBatch(ctx context.Context, id int64, total int, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With().Int64("batch_id", id).Logger()
	if err := s.Store.AppendBatchResult(ctx, id, core.SendResult{Error: cause.Error()}); err != nil {
		log.Error().Err(err).Msg("record enqueue failure")
	}
	if err := s.Store.FinishBatch(ctx, id, core.BatchFailed, total); err != nil {
		log.Error().Err(err).Msg("mark batch failed")
	}
	metrics.DispatchTotal.WithLabelValues(core.BatchFailed).Inc()
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	b, err := s.Store.GetBatch(r.Context(), id)
	if notFound(err) {
		writeError(w, http.StatusNotFound, "batch_not_found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) enqueueBackfill(w http.ResponseWriter, r *http.Request) {
	var in queue.BackfillArgs
	if r.ContentLength > 0 {
		if err := decode(r, &in); err != nil || in.BatchSize < 0 {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
	}
	job, err := queue.NewJob(queue.BackfillSuppressions, in, 0)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.Broker.Publish(r.Context(), job, 0); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

type scheduleRequest struct {
	audience
	ScheduledAt time.Time `json:"scheduled_at"`
	TestMode    bool      `json:"test_mode"`
}

func (s *Server) createScheduled(w http.ResponseWriter, r *http.Request) {
	var in scheduleRequest
	if err := decode(r, &in); err != nil || in.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if code := in.validate(); code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	m := &core.ScheduledSend{
		ScheduledAt: in.ScheduledAt.UTC(),
		Body:        in.Body,
		Target:      in.Target,
		EventID:     in.EventID,
		TestMode:    in.TestMode,
	}
	if err := s.Store.CreateScheduled(r.Context(), m); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.log.Info().Int64("scheduled_id", m.ID).Time("scheduled_at", m.ScheduledAt).Bool("test_mode", m.TestMode).
		Msg("send scheduled")
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) getScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	m, err := s.Store.GetScheduled(r.Context(), id)
	if notFound(err) {
		writeError(w, http.StatusNotFound, "scheduled_not_found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// cancelScheduled answers 409 when the send has already left pending or
// processing.
func (s *Server) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	if _, err := s.Store.GetScheduled(r.Context(), id); notFound(err) {
		writeError(w, http.StatusNotFound, "scheduled_not_found")
		return
	} else if err != nil {
		s.internalError(w, r, err)
		return
	}
	changed, err := s.Store.CancelScheduled(r.Context(), id, s.now())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, "not_cancellable")
		return
	}
	metrics.ScheduledTotal.WithLabelValues("cancelled").Inc()
	s.log.Info().Int64("scheduled_id", id).Msg("scheduled send cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
