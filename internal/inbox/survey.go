package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/phone"
)

const (
	MaxQuestions      = 10
	MaxQuestionLength = 320
)

var ErrEmptyKeyword = errors.New("keyword is empty")

// ParseQuestions takes one prompt per non-blank line, trimming each and
// keeping at most MaxQuestions prompts of MaxQuestionLength runes.
func ParseQuestions(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		prompt := strings.TrimSpace(line)
		if prompt == "" {
			continue
		}
		if rs := []rune(prompt); len(rs) > MaxQuestionLength {
			prompt = string(rs[:MaxQuestionLength])
		}
		out = append(out, prompt)
		if len(out) == MaxQuestions {
			break
		}
	}
	return out
}

// CreateKeywordRule canonicalizes the keyword and stores the rule. A keyword
// already used by a rule or survey yields core.ErrKeywordConflict.
func (e *Engine) CreateKeywordRule(ctx context.Context, r *core.KeywordRule) error {
	r.Keyword = phone.NormalizeKeyword(r.Keyword)
	if r.Keyword == "" {
		return ErrEmptyKeyword
	}
	return e.store.CreateKeywordRule(ctx, r)
}

// CreateSurvey canonicalizes the trigger keyword and stores the flow.
func (e *Engine) CreateSurvey(ctx context.Context, f *core.SurveyFlow) error {
	f.TriggerKeyword = phone.NormalizeKeyword(f.TriggerKeyword)
	if f.TriggerKeyword == "" {
		return ErrEmptyKeyword
	}
	return e.store.CreateSurveyFlow(ctx, f)
}

// start opens a new session, replacing any active one, and sends the intro
// and first question.
func (r *run) start(ctx context.Context, survey *core.SurveyFlow) error {
	now := r.e.now()
	if _, err := r.tx.CancelActiveSessions(ctx, r.phone, now); err != nil {
		return fmt.Errorf("cancel sessions: %w", err)
	}
	sess := &core.SurveySession{
		SurveyID:       survey.ID,
		ThreadID:       r.thread.ID,
		Phone:          r.phone,
		Status:         core.SessionActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if len(survey.Questions) == 0 {
		sess.Status = core.SessionCompleted
		sess.CompletedAt = &now
	}
	if err := r.tx.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := r.tx.IncrementSurveyStarts(ctx, survey.ID); err != nil {
		return err
	}

	id := survey.ID
	if err := r.reply(ctx, SourceSurvey, &id, survey.IntroMessage); err != nil {
		return err
	}
	if len(survey.Questions) > 0 {
		return r.reply(ctx, SourceSurvey, &id, survey.Questions[0])
	}
	return r.complete(ctx, survey, sess)
}

// advance records text as the answer to the current question and moves on.
func (r *run) advance(ctx context.Context, survey *core.SurveyFlow, sess *core.SurveySession, text string) error {
	now := r.e.now()
	idx := sess.CurrentQuestionIndex
	if idx < len(survey.Questions) {
		if err := r.tx.AddAnswer(ctx, &core.SurveyAnswer{
			SessionID:      sess.ID,
			SurveyID:       survey.ID,
			Phone:          sess.Phone,
			QuestionIndex:  idx,
			QuestionPrompt: survey.Questions[idx],
			Answer:         text,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("record answer: %w", err)
		}
		idx++
	}
	sess.CurrentQuestionIndex = idx
	sess.LastActivityAt = now

	id := survey.ID
	if idx < len(survey.Questions) {
		if err := r.tx.SaveSession(ctx, sess); err != nil {
			return err
		}
		return r.reply(ctx, SourceSurvey, &id, survey.Questions[idx])
	}

	sess.Status = core.SessionCompleted
	sess.CompletedAt = &now
	if err := r.tx.SaveSession(ctx, sess); err != nil {
		return err
	}
	return r.complete(ctx, survey, sess)
}

// complete bumps the completion counter, registers the phone for a linked
// event and sends the completion message.
func (r *run) complete(ctx context.Context, survey *core.SurveyFlow, sess *core.SurveySession) error {
	if err := r.tx.IncrementSurveyCompletions(ctx, survey.ID); err != nil {
		return err
	}
	if survey.LinkedEventID != nil {
		answers, err := r.tx.SessionAnswers(ctx, sess.ID)
		if err != nil {
			return err
		}
		name := registrationName(answers, r.thread.ContactName)
		if err := r.tx.UpsertRegistration(ctx, *survey.LinkedEventID, name, r.phone); err != nil {
			return fmt.Errorf("register for event %d: %w", *survey.LinkedEventID, err)
		}
		r.e.log.Info().Int64("event_id", *survey.LinkedEventID).Str("phone", r.phone).Msg("survey registration recorded")
	}
	id := survey.ID
	return r.reply(ctx, SourceSurvey, &id, survey.CompletionMessage)
}

// registrationName prefers the answer to the first question asking for a
// name, then the first answer, then the thread's contact name.
func registrationName(answers []core.SurveyAnswer, contactName *string) string {
	for _, a := range answers {
		if strings.Contains(strings.ToLower(a.QuestionPrompt), "name") {
			if v := strings.TrimSpace(a.Answer); v != "" {
				return v
			}
			break
		}
	}
	for _, a := range answers {
		if v := strings.TrimSpace(a.Answer); v != "" {
			return v
		}
	}
	if contactName != nil {
		return strings.TrimSpace(*contactName)
	}
	return ""
}
