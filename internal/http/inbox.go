package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/inbox"
)

func (s *Server) replyThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	var in struct {
		Body string `json:"body"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	res, err := s.Inbox.SendThreadReply(r.Context(), id, in.Body, middleware.GetReqID(r.Context()))
	switch {
	case errors.Is(err, inbox.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "empty_message")
		return
	case notFound(err):
		writeError(w, http.StatusNotFound, "thread_not_found")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) readThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	err := s.Inbox.MarkThreadRead(r.Context(), id)
	if notFound(err) {
		writeError(w, http.StatusNotFound, "thread_not_found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) createKeywordRule(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Keyword      string `json:"keyword"`
		ResponseBody string `json:"response_body"`
		Active       *bool  `json:"active"`
	}
	if err := decode(r, &in); err != nil || in.ResponseBody == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	rule := &core.KeywordRule{Keyword: in.Keyword, ResponseBody: in.ResponseBody, Active: in.Active == nil || *in.Active}
	if !s.keywordCreated(w, r, s.Inbox.CreateKeywordRule(r.Context(), rule)) {
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) createSurvey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name              string `json:"name"`
		TriggerKeyword    string `json:"trigger_keyword"`
		IntroMessage      string `json:"intro_message"`
		CompletionMessage string `json:"completion_message"`
		// Questions holds one prompt per line.
		Questions     string `json:"questions"`
		Active        *bool  `json:"active"`
		LinkedEventID *int64 `json:"linked_event_id"`
	}
	if err := decode(r, &in); err != nil || in.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	flow := &core.SurveyFlow{
		Name:              in.Name,
		TriggerKeyword:    in.TriggerKeyword,
		IntroMessage:      in.IntroMessage,
		CompletionMessage: in.CompletionMessage,
		Questions:         inbox.ParseQuestions(in.Questions),
		Active:            in.Active == nil || *in.Active,
		LinkedEventID:     in.LinkedEventID,
	}
	if !s.keywordCreated(w, r, s.Inbox.CreateSurvey(r.Context(), flow)) {
		return
	}
	writeJSON(w, http.StatusCreated, flow)
}

// keywordCreated maps keyword creation errors and reports whether err was nil.
func (s *Server) keywordCreated(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, inbox.ErrEmptyKeyword):
		writeError(w, http.StatusBadRequest, "empty_keyword")
	case errors.Is(err, core.ErrKeywordConflict):
		writeError(w, http.StatusConflict, "keyword_conflict")
	case core.IsUniqueViolation(err, ""):
		writeError(w, http.StatusConflict, "name_conflict")
	default:
		s.internalError(w, r, err)
	}
	return false
}
