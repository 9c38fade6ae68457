package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/inbox"
	"github.com/Cypherspark/sms-outreach/internal/queue"
)

type Options struct {
	// AdminToken guards /api/v1 when set.
	AdminToken string
	// PublicURL replaces the request host when rebuilding the signed webhook URL.
	PublicURL         string
	AuthToken         string
	ValidateSignature bool
	SendRetries       int
}

type Server struct {
	Store  *core.Store
	Broker queue.Broker
	Inbox  *inbox.Engine
	// Ping backs /readyz.
	Ping func(ctx context.Context) error

	opt Options
	log zerolog.Logger
	now func() time.Time
}

func NewServer(store *core.Store, broker queue.Broker, in *inbox.Engine, ping func(context.Context) error, opt Options, log zerolog.Logger) *Server {
	return &Server{
		Store:  store,
		Broker: broker,
		Inbox:  in,
		Ping:   ping,
		opt:    opt,
		log:    log.With().Str("component", "http").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Post("/webhooks/sms/inbound", s.inboundWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Post("/batches", s.createBatch)
		r.Get("/batches/{id}", s.getBatch)

		r.Post("/scheduled", s.createScheduled)
		r.Get("/scheduled/{id}", s.getScheduled)
		r.Post("/scheduled/{id}/cancel", s.cancelScheduled)

		r.Post("/threads/{id}/reply", s.replyThread)
		r.Post("/threads/{id}/read", s.readThread)

		r.Post("/keyword-rules", s.createKeywordRule)
		r.Post("/surveys", s.createSurvey)

		r.Post("/suppressions/backfill", s.enqueueBackfill)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// internalError logs err and answers 500 without leaking it.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func notFound(err error) bool { return errors.Is(err, core.ErrNotFound) }
