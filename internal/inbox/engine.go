// Package inbox handles inbound SMS: opt-out and opt-in keywords, survey
// sessions, keyword auto-replies and the conversation threads that record
// all of it.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/phone"
	"github.com/Cypherspark/sms-outreach/internal/provider"
	"github.com/rs/zerolog"
)

// Outcome statuses.
const (
	StatusIgnored         = "ignored"
	StatusDuplicate       = "duplicate"
	StatusOptOut          = "opt_out"
	StatusOptIn           = "opt_in"
	StatusSurveyCancelled = "survey_cancelled"
	StatusSurveyResponse  = "survey_response"
	StatusSurveyStarted   = "survey_started"
	StatusKeywordReply    = "keyword_reply"
	StatusStored          = "stored"
)

// Reply sources recorded on outbound messages.
const (
	SourceSystem  = "system"
	SourceSurvey  = "survey"
	SourceKeyword = "keyword"
	SourceManual  = "manual"
)

const (
	replyOptOut          = "You are unsubscribed and will no longer receive SMS alerts. Reply START to resubscribe."
	replyResubscribed    = "You are resubscribed and can receive SMS alerts again."
	replyAlreadyIn       = "You are already subscribed and can receive SMS alerts."
	replySurveyCancelled = "Survey cancelled. Text the survey keyword again anytime to restart."
	optOutReason         = "Inbound STOP keyword received"
	optOutSource         = "inbound"
)

var (
	stopKeywords         = map[string]bool{"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true}
	startKeywords        = map[string]bool{"START": true, "UNSTOP": true, "YES": true}
	surveyCancelKeywords = map[string]bool{"CANCEL": true, "QUIT": true}

	ErrEmptyMessage = errors.New("empty_message")
	errDuplicate    = errors.New("duplicate inbound message")
)

// Inbound is one webhook delivery.
type Inbound struct {
	From        string
	Body        string
	MessageSID  string
	ProfileName string
	// Raw is stored verbatim on the inbound message.
	Raw map[string]string
}

type SentReply struct {
	Source string          `json:"source"`
	Body   string          `json:"body"`
	Result provider.Result `json:"result"`
}

type Outcome struct {
	Status   string      `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	ThreadID int64       `json:"thread_id,omitempty"`
	Phone    string      `json:"phone,omitempty"`
	Replies  []SentReply `json:"replies,omitempty"`
}

type Options struct {
	AutoReplyEnabled bool
}

type Engine struct {
	store *core.Store
	prov  provider.Provider
	opt   Options
	log   zerolog.Logger
	now   func() time.Time
}

func NewEngine(store *core.Store, prov provider.Provider, opt Options, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		prov:  prov,
		opt:   opt,
		log:   log.With().Str("component", "inbox").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one inbound message to completion inside a single
// transaction.
func (e *Engine) Process(ctx context.Context, in Inbound) (Outcome, error) {
	from := strings.TrimSpace(in.From)
	body := strings.TrimSpace(in.Body)
	sid := strings.TrimSpace(in.MessageSID)

	if from == "" {
		metrics.InboundTotal.WithLabelValues(StatusIgnored).Inc()
		return Outcome{Status: StatusIgnored, Reason: "missing_from"}, nil
	}
	p := phone.Normalize(from)
	if !phone.Valid(p) {
		metrics.InboundTotal.WithLabelValues(StatusIgnored).Inc()
		return Outcome{Status: StatusIgnored, Reason: "invalid_phone", Phone: p}, nil
	}

	var out Outcome
	err := e.store.WithTx(ctx, func(tx *core.Store) error {
		var err error
		out, err = e.process(ctx, tx, p, body, sid, in)
		return err
	})
	if duplicateInbound(err) {
		out = Outcome{Status: StatusDuplicate, Phone: p}
		if m, ferr := e.store.FindMessageByProviderID(ctx, sid); ferr == nil && m != nil {
			out.ThreadID = m.ThreadID
		}
		metrics.InboundTotal.WithLabelValues(StatusDuplicate).Inc()
		e.log.Info().Str("sid", sid).Msg("duplicate inbound message ignored")
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	metrics.InboundTotal.WithLabelValues(out.Status).Inc()
	e.log.Info().Str("phone", p).Int64("thread_id", out.ThreadID).Str("status", out.Status).
		Int("replies", len(out.Replies)).Msg("inbound processed")
	return out, nil
}

// providerIDConstraint is the unique index on inbox_messages.provider_message_id.
const providerIDConstraint = "inbox_messages_provider_message_id_key"

// duplicateInbound reports whether err means the provider message id was
// already stored. Other unique violations are real failures.
func duplicateInbound(err error) bool {
	return errors.Is(err, errDuplicate) || core.IsUniqueViolation(err, providerIDConstraint)
}

func (e *Engine) process(ctx context.Context, tx *core.Store, p, body, sid string, in Inbound) (Outcome, error) {
	if sid != "" {
		existing, err := tx.FindMessageByProviderID(ctx, sid)
		if err != nil {
			return Outcome{}, err
		}
		if existing != nil {
			return Outcome{}, errDuplicate
		}
	}

	now := e.now()
	thread, err := tx.EnsureThread(ctx, p, strings.TrimSpace(in.ProfileName), now)
	if err != nil {
		return Outcome{}, fmt.Errorf("ensure thread: %w", err)
	}

	msg := &core.ConversationMessage{
		ThreadID:  thread.ID,
		Phone:     p,
		Direction: core.DirectionInbound,
		Body:      body,
		CreatedAt: now,
	}
	if sid != "" {
		msg.ProviderMessageID = &sid
	}
	if len(in.Raw) > 0 {
		if raw, err := json.Marshal(in.Raw); err == nil {
			msg.RawPayload = raw
		}
	}
	if err := tx.AppendMessage(ctx, msg); err != nil {
		return Outcome{}, fmt.Errorf("append inbound: %w", err)
	}

	r := &run{e: e, tx: tx, thread: thread, phone: p}
	status, matched, err := r.dispatch(ctx, body)
	if err != nil {
		return Outcome{}, err
	}
	if matched != "" {
		if err := tx.SetMatchedKeyword(ctx, msg.ID, matched); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Status: status, ThreadID: thread.ID, Phone: p, Replies: r.replies}, nil
}

// run carries the state of one Process call.
type run struct {
	e       *Engine
	tx      *core.Store
	thread  *core.Thread
	phone   string
	replies []SentReply
}

// dispatch evaluates the keyword and survey rules in priority order and
// returns the outcome status and matched keyword.
func (r *run) dispatch(ctx context.Context, body string) (string, string, error) {
	normalized := phone.NormalizeKeyword(body)

	session, err := r.tx.ActiveSession(ctx, r.phone)
	if err != nil {
		return "", "", fmt.Errorf("active session: %w", err)
	}

	switch {
	case stopKeywords[normalized]:
		return StatusOptOut, "", r.optOut(ctx)

	case session != nil && surveyCancelKeywords[normalized]:
		now := r.e.now()
		session.Status = core.SessionCancelled
		session.CompletedAt = &now
		session.LastActivityAt = now
		if err := r.tx.SaveSession(ctx, session); err != nil {
			return "", "", err
		}
		id := session.SurveyID
		return StatusSurveyCancelled, "", r.reply(ctx, SourceSurvey, &id, replySurveyCancelled)

	case session != nil:
		survey, err := r.tx.GetSurveyFlow(ctx, session.SurveyID)
		if err != nil {
			return "", "", fmt.Errorf("load survey %d: %w", session.SurveyID, err)
		}
		return StatusSurveyResponse, survey.TriggerKeyword, r.advance(ctx, survey, session, body)

	case startKeywords[normalized]:
		removed, err := r.tx.DeleteUnsubscribed(ctx, r.phone)
		if err != nil {
			return "", "", err
		}
		msg := replyAlreadyIn
		if removed {
			msg = replyResubscribed
		}
		return StatusOptIn, "", r.reply(ctx, SourceSystem, nil, msg)
	}

	candidates := phone.KeywordCandidates(body)
	for _, c := range candidates {
		survey, err := r.tx.FindActiveSurvey(ctx, c)
		if err != nil {
			return "", "", err
		}
		if survey != nil {
			return StatusSurveyStarted, c, r.start(ctx, survey)
		}
	}

	rules, err := r.tx.ActiveRules(ctx, candidates)
	if err != nil {
		return "", "", err
	}
	for _, c := range candidates {
		rule, ok := rules[c]
		if !ok {
			continue
		}
		if err := r.tx.RecordRuleMatch(ctx, rule.ID, r.e.now()); err != nil {
			return "", "", err
		}
		id := rule.ID
		return StatusKeywordReply, c, r.reply(ctx, SourceKeyword, &id, rule.ResponseBody)
	}
	return StatusStored, "", nil
}

func (r *run) optOut(ctx context.Context) error {
	if err := r.tx.UpsertUnsubscribed(ctx, core.UnsubscribeInput{
		Phone: r.phone, Reason: optOutReason, Source: optOutSource,
	}); err != nil {
		return fmt.Errorf("upsert unsubscribed: %w", err)
	}
	if _, err := r.tx.CancelActiveSessions(ctx, r.phone, r.e.now()); err != nil {
		return fmt.Errorf("cancel sessions: %w", err)
	}
	return r.reply(ctx, SourceSystem, nil, replyOptOut)
}

// reply sends body and records it on the thread. An empty body sends nothing.
func (r *run) reply(ctx context.Context, source string, sourceID *int64, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	res, err := r.e.deliver(ctx, r.tx, r.thread, body, source, sourceID, !r.e.opt.AutoReplyEnabled)
	if err != nil {
		return err
	}
	r.replies = append(r.replies, SentReply{Source: source, Body: body, Result: res})
	return nil
}

// deliver is the send-and-record path shared by automated and manual replies.
// Provider failures end up on the recorded message, not in the returned error.
func (e *Engine) deliver(ctx context.Context, tx *core.Store, thread *core.Thread, body, source string, sourceID *int64, skip bool) (provider.Result, error) {
	var res provider.Result
	if skip {
		res = provider.Result{Status: "skipped", Error: "auto_reply_disabled"}
	} else {
		var err error
		res, err = e.prov.Send(ctx, thread.Phone, body)
		if err != nil {
			res = provider.Result{Status: "failed", Error: err.Error()}
		}
	}

	msg := &core.ConversationMessage{
		ThreadID:           thread.ID,
		Phone:              thread.Phone,
		Direction:          core.DirectionOutbound,
		Body:               body,
		AutomationSource:   &source,
		AutomationSourceID: sourceID,
		CreatedAt:          e.now(),
	}
	if res.Status != "" {
		msg.DeliveryStatus = &res.Status
	}
	if res.Error != "" {
		msg.DeliveryError = &res.Error
	}
	if sid := strings.TrimSpace(res.MessageID); sid != "" {
		existing, err := tx.FindMessageByProviderID(ctx, sid)
		if err != nil {
			return res, err
		}
		if existing != nil {
			e.log.Warn().Str("sid", sid).Int64("existing_id", existing.ID).
				Msg("duplicate provider message id; storing reply without it")
		} else {
			msg.ProviderMessageID = &sid
		}
	}
	if err := tx.AppendMessage(ctx, msg); err != nil {
		return res, fmt.Errorf("append outbound: %w", err)
	}
	return res, nil
}

// SendThreadReply sends an operator-written message on a thread.
func (e *Engine) SendThreadReply(ctx context.Context, threadID int64, body, actor string) (provider.Result, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return provider.Result{}, ErrEmptyMessage
	}
	var res provider.Result
	err := e.store.WithTx(ctx, func(tx *core.Store) error {
		thread, err := tx.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		res, err = e.deliver(ctx, tx, thread, body, SourceManual, nil, false)
		return err
	})
	if err != nil {
		return provider.Result{}, err
	}
	e.log.Info().Int64("thread_id", threadID).Str("actor", actor).Bool("success", res.Success).Msg("manual reply")
	return res, nil
}

func (e *Engine) MarkThreadRead(ctx context.Context, threadID int64) error {
	return e.store.MarkThreadRead(ctx, threadID)
}
