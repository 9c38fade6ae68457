package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PreviewLength bounds the thread rollup preview, in runes.
const PreviewLength = 180

const threadColumns = `id, phone, contact_name, unread_count, last_message_at, last_message_preview, last_direction`

// EnsureThread returns the phone's thread, creating it on first contact. A
// known thread without a contact name picks up contactName.
func (s *Store) EnsureThread(ctx context.Context, phone, contactName string, now time.Time) (*Thread, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO inbox_threads(phone, contact_name, last_message_at, created_at, updated_at)
		VALUES($1,$2,$3,$3,$3)
		ON CONFLICT (phone) DO UPDATE SET
			contact_name = COALESCE(inbox_threads.contact_name, EXCLUDED.contact_name)
		RETURNING `+threadColumns,
		phone, nullable(contactName), now)
	return scanThread(row)
}

func (s *Store) GetThread(ctx context.Context, id int64) (*Thread, error) {
	t, err := scanThread(s.DB.QueryRow(ctx, `SELECT `+threadColumns+` FROM inbox_threads WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Store) MarkThreadRead(ctx context.Context, id int64) error {
	tag, err := s.DB.Exec(ctx, `UPDATE inbox_threads SET unread_count=0 WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindMessageByProviderID returns nil, nil when the id has not been seen.
func (s *Store) FindMessageByProviderID(ctx context.Context, providerID string) (*ConversationMessage, error) {
	var m ConversationMessage
	err := s.DB.QueryRow(ctx, `
		SELECT id, thread_id, direction FROM inbox_messages WHERE provider_message_id=$1
	`, providerID).Scan(&m.ID, &m.ThreadID, &m.Direction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendMessage inserts m and rolls its thread's last-message fields forward.
// Inbound messages also bump the unread count.
func (s *Store) AppendMessage(ctx context.Context, m *ConversationMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var raw any
	if len(m.RawPayload) > 0 {
		raw = string(m.RawPayload)
	}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO inbox_messages(thread_id, phone, direction, body, provider_message_id, automation_source,
			automation_source_id, matched_keyword, delivery_status, delivery_error, raw_payload, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12)
		RETURNING id
	`, m.ThreadID, m.Phone, m.Direction, m.Body, m.ProviderMessageID, m.AutomationSource, m.AutomationSourceID,
		m.MatchedKeyword, m.DeliveryStatus, m.DeliveryError, raw, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return err
	}
	preview := []rune(m.Body)
	if len(preview) > PreviewLength {
		preview = preview[:PreviewLength]
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE inbox_threads SET
			last_message_at = $2,
			last_message_preview = $3,
			last_direction = $4,
			updated_at = $2,
			unread_count = unread_count + CASE WHEN $4 = 'inbound' THEN 1 ELSE 0 END
		WHERE id=$1
	`, m.ThreadID, m.CreatedAt, string(preview), m.Direction)
	return err
}

func (s *Store) SetMatchedKeyword(ctx context.Context, messageID int64, keyword string) error {
	_, err := s.DB.Exec(ctx, `UPDATE inbox_messages SET matched_keyword=$2 WHERE id=$1`, messageID, keyword)
	return err
}

// ThreadMessages lists a thread's messages oldest first.
func (s *Store) ThreadMessages(ctx context.Context, threadID int64) ([]ConversationMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, thread_id, phone, direction, body, provider_message_id, automation_source, automation_source_id,
			matched_keyword, delivery_status, delivery_error, created_at
		FROM inbox_messages WHERE thread_id=$1 ORDER BY id
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Phone, &m.Direction, &m.Body, &m.ProviderMessageID,
			&m.AutomationSource, &m.AutomationSourceID, &m.MatchedKeyword, &m.DeliveryStatus, &m.DeliveryError,
			&m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// lockKeywords serializes keyword writes so the rule and survey-trigger
// namespaces stay disjoint.
func (s *Store) lockKeywords(ctx context.Context, keyword string) error {
	if _, err := s.DB.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('keyword_namespace'))`); err != nil {
		return err
	}
	var taken bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM keyword_rules WHERE keyword=$1)
		    OR EXISTS(SELECT 1 FROM survey_flows WHERE trigger_keyword=$1)
	`, keyword).Scan(&taken)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s", ErrKeywordConflict, keyword)
	}
	return nil
}

// CreateKeywordRule inserts r. The keyword must already be canonical.
func (s *Store) CreateKeywordRule(ctx context.Context, r *KeywordRule) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.lockKeywords(ctx, r.Keyword); err != nil {
			return err
		}
		return tx.DB.QueryRow(ctx, `
			INSERT INTO keyword_rules(keyword, response_body, is_active) VALUES($1,$2,$3) RETURNING id
		`, r.Keyword, r.ResponseBody, r.Active).Scan(&r.ID)
	})
}

// ActiveRules returns active rules whose keyword is one of keywords.
func (s *Store) ActiveRules(ctx context.Context, keywords []string) (map[string]KeywordRule, error) {
	out := map[string]KeywordRule{}
	if len(keywords) == 0 {
		return out, nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, keyword, response_body, is_active, match_count, last_matched_at
		FROM keyword_rules WHERE is_active AND keyword = ANY($1)
	`, keywords)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r KeywordRule
		if err := rows.Scan(&r.ID, &r.Keyword, &r.ResponseBody, &r.Active, &r.MatchCount, &r.LastMatchedAt); err != nil {
			return nil, err
		}
		out[r.Keyword] = r
	}
	return out, rows.Err()
}

func (s *Store) RecordRuleMatch(ctx context.Context, id int64, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE keyword_rules SET match_count = match_count + 1, last_matched_at=$2 WHERE id=$1
	`, id, now)
	return err
}

func (s *Store) GetKeywordRule(ctx context.Context, id int64) (*KeywordRule, error) {
	var r KeywordRule
	err := s.DB.QueryRow(ctx, `
		SELECT id, keyword, response_body, is_active, match_count, last_matched_at FROM keyword_rules WHERE id=$1
	`, id).Scan(&r.ID, &r.Keyword, &r.ResponseBody, &r.Active, &r.MatchCount, &r.LastMatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &r, err
}

const surveyColumns = `id, name, trigger_keyword, intro_message, completion_message, questions, is_active,
	linked_event_id, start_count, completion_count`

// CreateSurveyFlow inserts f. The trigger keyword must already be canonical.
func (s *Store) CreateSurveyFlow(ctx context.Context, f *SurveyFlow) error {
	if f.Questions == nil {
		f.Questions = []string{}
	}
	questions, err := json.Marshal(f.Questions)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.lockKeywords(ctx, f.TriggerKeyword); err != nil {
			return err
		}
		return tx.DB.QueryRow(ctx, `
			INSERT INTO survey_flows(name, trigger_keyword, intro_message, completion_message, questions,
				is_active, linked_event_id)
			VALUES($1,$2,$3,$4,$5::jsonb,$6,$7) RETURNING id
		`, f.Name, f.TriggerKeyword, f.IntroMessage, f.CompletionMessage, string(questions), f.Active,
			f.LinkedEventID).Scan(&f.ID)
	})
}

func (s *Store) GetSurveyFlow(ctx context.Context, id int64) (*SurveyFlow, error) {
	f, err := scanSurvey(s.DB.QueryRow(ctx, `SELECT `+surveyColumns+` FROM survey_flows WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// FindActiveSurvey returns nil, nil when no active survey uses keyword.
func (s *Store) FindActiveSurvey(ctx context.Context, keyword string) (*SurveyFlow, error) {
	f, err := scanSurvey(s.DB.QueryRow(ctx, `
		SELECT `+surveyColumns+` FROM survey_flows WHERE trigger_keyword=$1 AND is_active
	`, keyword))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (s *Store) IncrementSurveyStarts(ctx context.Context, id int64) error {
	_, err := s.DB.Exec(ctx, `UPDATE survey_flows SET start_count = start_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) IncrementSurveyCompletions(ctx context.Context, id int64) error {
	_, err := s.DB.Exec(ctx, `UPDATE survey_flows SET completion_count = completion_count + 1 WHERE id=$1`, id)
	return err
}

const sessionColumns = `id, survey_id, thread_id, phone, status, current_question_index, started_at,
	last_activity_at, completed_at`

// ActiveSession returns the phone's active session or nil, nil.
func (s *Store) ActiveSession(ctx context.Context, phone string) (*SurveySession, error) {
	sess, err := scanSession(s.DB.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM survey_sessions
		WHERE phone=$1 AND status='active'
		ORDER BY started_at DESC LIMIT 1
		FOR UPDATE
	`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *Store) GetSession(ctx context.Context, id int64) (*SurveySession, error) {
	sess, err := scanSession(s.DB.QueryRow(ctx, `SELECT `+sessionColumns+` FROM survey_sessions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// CancelActiveSessions cancels every active session for phone.
func (s *Store) CancelActiveSessions(ctx context.Context, phone string, now time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE survey_sessions SET status='cancelled', completed_at=$2, last_activity_at=$2
		WHERE phone=$1 AND status='active'
	`, phone, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateSession(ctx context.Context, sess *SurveySession) error {
	return s.DB.QueryRow(ctx, `
		INSERT INTO survey_sessions(survey_id, thread_id, phone, status, current_question_index,
			started_at, last_activity_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id
	`, sess.SurveyID, sess.ThreadID, sess.Phone, sess.Status, sess.CurrentQuestionIndex,
		sess.StartedAt, sess.LastActivityAt, sess.CompletedAt).Scan(&sess.ID)
}

// SaveSession persists the mutable progress fields of sess.
func (s *Store) SaveSession(ctx context.Context, sess *SurveySession) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE survey_sessions SET status=$2, current_question_index=$3, last_activity_at=$4, completed_at=$5
		WHERE id=$1
	`, sess.ID, sess.Status, sess.CurrentQuestionIndex, sess.LastActivityAt, sess.CompletedAt)
	return err
}

func (s *Store) AddAnswer(ctx context.Context, a *SurveyAnswer) error {
	return s.DB.QueryRow(ctx, `
		INSERT INTO survey_answers(session_id, survey_id, phone, question_index, question_prompt, answer, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING id
	`, a.SessionID, a.SurveyID, a.Phone, a.QuestionIndex, a.QuestionPrompt, a.Answer, a.CreatedAt).Scan(&a.ID)
}

// SessionAnswers lists answers in question order.
func (s *Store) SessionAnswers(ctx context.Context, sessionID int64) ([]SurveyAnswer, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, session_id, survey_id, phone, question_index, question_prompt, answer, created_at
		FROM survey_answers WHERE session_id=$1 ORDER BY question_index, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SurveyAnswer
	for rows.Next() {
		var a SurveyAnswer
		if err := rows.Scan(&a.ID, &a.SessionID, &a.SurveyID, &a.Phone, &a.QuestionIndex, &a.QuestionPrompt,
			&a.Answer, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	if err := row.Scan(&t.ID, &t.Phone, &t.ContactName, &t.UnreadCount, &t.LastMessageAt,
		&t.LastMessagePreview, &t.LastDirection); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanSurvey(row pgx.Row) (*SurveyFlow, error) {
	var f SurveyFlow
	var questions []byte
	if err := row.Scan(&f.ID, &f.Name, &f.TriggerKeyword, &f.IntroMessage, &f.CompletionMessage, &questions,
		&f.Active, &f.LinkedEventID, &f.StartCount, &f.CompletionCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(questions, &f.Questions); err != nil {
		return nil, fmt.Errorf("survey %d questions: %w", f.ID, err)
	}
	return &f, nil
}

func scanSession(row pgx.Row) (*SurveySession, error) {
	var sess SurveySession
	if err := row.Scan(&sess.ID, &sess.SurveyID, &sess.ThreadID, &sess.Phone, &sess.Status,
		&sess.CurrentQuestionIndex, &sess.StartedAt, &sess.LastActivityAt, &sess.CompletedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}
