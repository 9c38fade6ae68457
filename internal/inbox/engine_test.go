package inbox_test

import (
	"context"
	"sync"
	"testing"

	"github.com/Cypherspark/sms-outreach/internal/core"
	database "github.com/Cypherspark/sms-outreach/internal/db"
	"github.com/Cypherspark/sms-outreach/internal/inbox"
	"github.com/Cypherspark/sms-outreach/internal/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// sameSID answers every send with one fixed sid, the way a stubbed provider
// client would.
type sameSID struct {
	mu    sync.Mutex
	sent  []string
	calls int
}

func (f *sameSID) Send(_ context.Context, to, body string) (provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, body)
	return provider.Result{Success: true, MessageID: "SM111", Status: "sent"}, nil
}

func setup(t *testing.T, autoReply bool) (*core.Store, *sameSID, *inbox.Engine) {
	pg := database.StartTestPostgres(t)
	s := core.NewStore(pg.Pool)
	p := &sameSID{}
	return s, p, inbox.NewEngine(s, p, inbox.Options{AutoReplyEnabled: autoReply}, zerolog.Nop())
}

func inbound(t *testing.T, e *inbox.Engine, from, body, sid string) inbox.Outcome {
	t.Helper()
	out, err := e.Process(context.Background(), inbox.Inbound{From: from, Body: body, MessageSID: sid})
	require.NoError(t, err)
	return out
}

func latestSession(t *testing.T, s *core.Store, phone string) *core.SurveySession {
	t.Helper()
	var id int64
	require.NoError(t, s.DB.QueryRow(context.Background(),
		`SELECT id FROM survey_sessions WHERE phone=$1 ORDER BY id DESC LIMIT 1`, phone).Scan(&id))
	sess, err := s.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func newSurvey(t *testing.T, e *inbox.Engine, f core.SurveyFlow) *core.SurveyFlow {
	t.Helper()
	f.Active = true
	require.NoError(t, e.CreateSurvey(context.Background(), &f))
	return &f
}

func TestKeywordRuleMatchesAndReplies(t *testing.T) {
	s, p, e := setup(t, true)
	ctx := context.Background()
	rule := &core.KeywordRule{Keyword: "HELP", ResponseBody: "Support is on the way.", Active: true}
	require.NoError(t, e.CreateKeywordRule(ctx, rule))

	out := inbound(t, e, "+15551234567", "help", "SM-IN-1")
	require.Equal(t, inbox.StatusKeywordReply, out.Status)
	require.Equal(t, []string{"Support is on the way."}, p.sent)

	msgs, err := s.ThreadMessages(ctx, out.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, core.DirectionInbound, msgs[0].Direction)
	require.Equal(t, "HELP", *msgs[0].MatchedKeyword)
	require.Equal(t, core.DirectionOutbound, msgs[1].Direction)
	require.Equal(t, "Support is on the way.", msgs[1].Body)
	require.Equal(t, "SM111", *msgs[1].ProviderMessageID)

	got, err := s.GetKeywordRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.MatchCount)
	require.NotNil(t, got.LastMatchedAt)

	thread, err := s.GetThread(ctx, out.ThreadID)
	require.NoError(t, err)
	require.Equal(t, 1, thread.UnreadCount)
	require.Equal(t, core.DirectionOutbound, thread.LastDirection)
}

func TestKeywordRuleWhitespaceNormalization(t *testing.T) {
	_, _, e := setup(t, true)
	rule := &core.KeywordRule{Keyword: "  help   now ", ResponseBody: "Support is on the way.", Active: true}
	require.NoError(t, e.CreateKeywordRule(context.Background(), rule))
	require.Equal(t, "HELP NOW", rule.Keyword)

	out := inbound(t, e, "+15551234567", "help now", "SM-IN-1A")
	require.Equal(t, inbox.StatusKeywordReply, out.Status)

	// first word alone does not match a two-word rule
	out = inbound(t, e, "+15551234567", "help", "SM-IN-1B")
	require.Equal(t, inbox.StatusStored, out.Status)
}

func TestKeywordNamespacesAreExclusive(t *testing.T) {
	_, _, e := setup(t, true)
	ctx := context.Background()
	require.NoError(t, e.CreateKeywordRule(ctx, &core.KeywordRule{Keyword: "rsvp", ResponseBody: "x", Active: true}))

	err := e.CreateSurvey(ctx, &core.SurveyFlow{Name: "RSVP", TriggerKeyword: " RSVP ", Active: true})
	require.ErrorIs(t, err, core.ErrKeywordConflict)

	err = e.CreateKeywordRule(ctx, &core.KeywordRule{Keyword: "   ", ResponseBody: "x"})
	require.ErrorIs(t, err, inbox.ErrEmptyKeyword)
}

func TestSurveyStartsAndCompletes(t *testing.T) {
	s, p, e := setup(t, true)
	ctx := context.Background()
	survey := newSurvey(t, e, core.SurveyFlow{
		Name: "RSVP Flow", TriggerKeyword: "RSVP",
		IntroMessage: "Thanks for joining.", CompletionMessage: "All set. Thank you!",
		Questions: []string{"What is your name?", "How many guests?"},
	})

	out := inbound(t, e, "+15550001111", "RSVP", "SM-IN-2")
	require.Equal(t, inbox.StatusSurveyStarted, out.Status)
	require.Equal(t, []string{"Thanks for joining.", "What is your name?"}, p.sent)

	sess := latestSession(t, s, "+15550001111")
	require.Equal(t, core.SessionActive, sess.Status)
	require.Zero(t, sess.CurrentQuestionIndex)

	out = inbound(t, e, "+15550001111", "Alex", "SM-IN-3")
	require.Equal(t, inbox.StatusSurveyResponse, out.Status)
	sess = latestSession(t, s, "+15550001111")
	require.Equal(t, 1, sess.CurrentQuestionIndex)
	require.Equal(t, core.SessionActive, sess.Status)

	out = inbound(t, e, "+15550001111", "3", "SM-IN-4")
	require.Equal(t, inbox.StatusSurveyResponse, out.Status)
	sess = latestSession(t, s, "+15550001111")
	require.Equal(t, core.SessionCompleted, sess.Status)
	require.NotNil(t, sess.CompletedAt)
	require.Equal(t, "All set. Thank you!", p.sent[len(p.sent)-1])

	answers, err := s.SessionAnswers(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, answers, 2)

	got, err := s.GetSurveyFlow(ctx, survey.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.StartCount)
	require.Equal(t, 1, got.CompletionCount)
}

func TestSurveyTriggerMatchesFirstWordAndNormalizedText(t *testing.T) {
	_, _, e := setup(t, true)
	newSurvey(t, e, core.SurveyFlow{
		Name: "Check in", TriggerKeyword: "  check   in ", Questions: []string{"What is your name?"},
	})
	newSurvey(t, e, core.SurveyFlow{
		Name: "Join", TriggerKeyword: "join", Questions: []string{"Name?"},
	})

	require.Equal(t, inbox.StatusSurveyStarted, inbound(t, e, "+15550001111", "check in", "SM-A").Status)
	require.Equal(t, inbox.StatusSurveyStarted, inbound(t, e, "+15550002222", "JOIN please", "SM-B").Status)
}

func TestZeroQuestionSurveyCompletesImmediately(t *testing.T) {
	s, p, e := setup(t, true)
	newSurvey(t, e, core.SurveyFlow{Name: "Ping", TriggerKeyword: "PING", CompletionMessage: "Pong."})

	out := inbound(t, e, "+15550003333", "ping", "SM-Z")
	require.Equal(t, inbox.StatusSurveyStarted, out.Status)
	require.Equal(t, []string{"Pong."}, p.sent)
	require.Equal(t, core.SessionCompleted, latestSession(t, s, "+15550003333").Status)
}

func TestLinkedSurveyCreatesThenUpsertsRegistration(t *testing.T) {
	s, _, e := setup(t, true)
	ctx := context.Background()
	event, err := s.CreateEvent(ctx, "Spring Gala")
	require.NoError(t, err)
	newSurvey(t, e, core.SurveyFlow{
		Name: "Linked RSVP", TriggerKeyword: "JOIN GALA", IntroMessage: "Welcome.", CompletionMessage: "Done.",
		Questions: []string{"How many guests?", "What is your name?"}, LinkedEventID: &event,
	})

	const from = "+15557770001"
	inbound(t, e, from, "JOIN GALA", "SM-L1")
	inbound(t, e, from, "2", "SM-L2")
	inbound(t, e, from, "Alex", "SM-L3")

	regs, err := s.EventRegistrations(ctx, event, from)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.Equal(t, "Alex", *regs[0].Name)

	inbound(t, e, from, "JOIN GALA", "SM-L4")
	inbound(t, e, from, "3", "SM-L5")
	inbound(t, e, from, "Jordan", "SM-L6")

	regs, err = s.EventRegistrations(ctx, event, from)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.Equal(t, "Jordan", *regs[0].Name)
}

func TestUnlinkedSurveyDoesNotRegister(t *testing.T) {
	s, _, e := setup(t, true)
	ctx := context.Background()
	_, err := s.CreateEvent(ctx, "Unlinked Event")
	require.NoError(t, err)
	newSurvey(t, e, core.SurveyFlow{Name: "Plain", TriggerKeyword: "PLAIN SURVEY", Questions: []string{"Name?"}})

	inbound(t, e, "+15557770003", "PLAIN SURVEY", "SM-N1")
	inbound(t, e, "+15557770003", "Casey", "SM-N2")

	var n int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM event_registrations`).Scan(&n))
	require.Zero(t, n)
}

func TestYesDuringSurveyIsAnAnswer(t *testing.T) {
	s, _, e := setup(t, true)
	ctx := context.Background()
	newSurvey(t, e, core.SurveyFlow{
		Name: "Attendance", TriggerKeyword: "ATTEND", Questions: []string{"What is your name?", "Are you attending?"},
	})
	require.NoError(t, s.UpsertUnsubscribed(ctx, core.UnsubscribeInput{Phone: "+15559990000", Source: "manual"}))

	inbound(t, e, "+15559990000", "ATTEND", "SM-Y1")
	inbound(t, e, "+15559990000", "Taylor", "SM-Y2")
	out := inbound(t, e, "+15559990000", "YES", "SM-Y3")
	require.Equal(t, inbox.StatusSurveyResponse, out.Status)

	sess := latestSession(t, s, "+15559990000")
	require.Equal(t, core.SessionCompleted, sess.Status)
	answers, err := s.SessionAnswers(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "YES", answers[1].Answer)

	// YES answered the survey, so the opt-out record is untouched
	_, err = s.GetUnsubscribed(ctx, "+15559990000")
	require.NoError(t, err)
}

func TestCancelDuringSurveyOptsOutAndCancelsSession(t *testing.T) {
	s, p, e := setup(t, true)
	ctx := context.Background()
	newSurvey(t, e, core.SurveyFlow{
		Name: "Cancel Flow", TriggerKeyword: "CHECKIN", Questions: []string{"What is your name?", "Guests?"},
	})

	inbound(t, e, "+15551112222", "CHECKIN", "SM-C1")
	out := inbound(t, e, "+15551112222", "cancel", "SM-C2")
	require.Equal(t, inbox.StatusOptOut, out.Status)

	sess := latestSession(t, s, "+15551112222")
	require.Equal(t, core.SessionCancelled, sess.Status)
	require.NotNil(t, sess.CompletedAt)

	u, err := s.GetUnsubscribed(ctx, "+15551112222")
	require.NoError(t, err)
	require.Equal(t, "inbound", u.Source)
	require.Contains(t, p.sent[len(p.sent)-1], "You are unsubscribed and will no longer receive SMS alerts.")
}

func TestQuitMidSurveyThenNewSurvey(t *testing.T) {
	s, _, e := setup(t, true)
	ctx := context.Background()
	newSurvey(t, e, core.SurveyFlow{Name: "A", TriggerKeyword: "ALPHA", Questions: []string{"Q1", "Q2"}})
	newSurvey(t, e, core.SurveyFlow{Name: "B", TriggerKeyword: "BETA", Questions: []string{"Q1"}})

	inbound(t, e, "+15551110000", "ALPHA", "SM-S1")
	first := latestSession(t, s, "+15551110000")

	// with a session open every text is an answer, so QUIT ends it first
	require.Equal(t, inbox.StatusOptOut, inbound(t, e, "+15551110000", "QUIT", "SM-S2").Status)
	inbound(t, e, "+15551110000", "BETA", "SM-S3")

	old, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, core.SessionCancelled, old.Status)

	var active int
	require.NoError(t, s.DB.QueryRow(ctx,
		`SELECT COUNT(*) FROM survey_sessions WHERE phone=$1 AND status='active'`, "+15551110000").Scan(&active))
	require.Equal(t, 1, active)
}

func TestStopThenStart(t *testing.T) {
	s, p, e := setup(t, true)
	ctx := context.Background()
	newSurvey(t, e, core.SurveyFlow{Name: "S", TriggerKeyword: "SURVEY", Questions: []string{"Q1", "Q2"}})

	inbound(t, e, "+15554443333", "SURVEY", "SM-1")
	require.Equal(t, inbox.StatusOptOut, inbound(t, e, "+15554443333", "STOP", "SM-2").Status)
	_, err := s.GetUnsubscribed(ctx, "+15554443333")
	require.NoError(t, err)
	require.Equal(t, core.SessionCancelled, latestSession(t, s, "+15554443333").Status)

	require.Equal(t, inbox.StatusOptIn, inbound(t, e, "+15554443333", "START", "SM-3").Status)
	_, err = s.GetUnsubscribed(ctx, "+15554443333")
	require.ErrorIs(t, err, core.ErrNotFound)
	require.Equal(t, "You are resubscribed and can receive SMS alerts again.", p.sent[len(p.sent)-1])
	require.Equal(t, core.SessionCancelled, latestSession(t, s, "+15554443333").Status)
}

func TestStartWhenAlreadySubscribed(t *testing.T) {
	s, _, e := setup(t, true)
	out := inbound(t, e, "+15550009999", "START", "SM-START-1")
	require.Equal(t, inbox.StatusOptIn, out.Status)

	msgs, err := s.ThreadMessages(context.Background(), out.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1].Body, "already subscribed")
}

func TestDuplicateAndInvalidInbound(t *testing.T) {
	s, p, e := setup(t, true)
	ctx := context.Background()

	first := inbound(t, e, "(555) 123-4567", "hello", "SM-DUP")
	require.Equal(t, inbox.StatusStored, first.Status)
	require.Equal(t, "+15551234567", first.Phone)

	dup := inbound(t, e, "+15551234567", "hello", "SM-DUP")
	require.Equal(t, inbox.StatusDuplicate, dup.Status)

	msgs, err := s.ThreadMessages(ctx, first.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.Equal(t, inbox.StatusIgnored, inbound(t, e, "", "hi", "SM-X").Status)
	require.Equal(t, inbox.StatusIgnored, inbound(t, e, "12", "hi", "SM-Y").Status)
	require.Zero(t, p.calls)
}

func TestRepeatedProviderSidIsStoredWithoutIt(t *testing.T) {
	s, _, e := setup(t, true)
	ctx := context.Background()

	out := inbound(t, e, "+15550004444", "STOP", "SM-R1")
	inbound(t, e, "+15550004444", "START", "SM-R2")

	msgs, err := s.ThreadMessages(ctx, out.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "SM111", *msgs[1].ProviderMessageID)
	require.Nil(t, msgs[3].ProviderMessageID)
}

func TestAutoReplyDisabledRecordsSkipped(t *testing.T) {
	s, p, e := setup(t, false)
	ctx := context.Background()

	out := inbound(t, e, "+15550005555", "STOP", "SM-OFF")
	require.Equal(t, inbox.StatusOptOut, out.Status)
	require.Zero(t, p.calls)

	msgs, err := s.ThreadMessages(ctx, out.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "skipped", *msgs[1].DeliveryStatus)
	require.Equal(t, "auto_reply_disabled", *msgs[1].DeliveryError)
}

func TestManualReplyAndMarkRead(t *testing.T) {
	s, p, e := setup(t, false)
	ctx := context.Background()
	out := inbound(t, e, "+15550006666", "hi there", "SM-M1")

	_, err := e.SendThreadReply(ctx, out.ThreadID, "   ", "ops")
	require.ErrorIs(t, err, inbox.ErrEmptyMessage)

	res, err := e.SendThreadReply(ctx, out.ThreadID, "Thanks!", "ops")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, p.calls)

	_, err = e.SendThreadReply(ctx, out.ThreadID+100, "Thanks!", "ops")
	require.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, e.MarkThreadRead(ctx, out.ThreadID))
	thread, err := s.GetThread(ctx, out.ThreadID)
	require.NoError(t, err)
	require.Zero(t, thread.UnreadCount)
	require.Equal(t, "Thanks!", thread.LastMessagePreview)
}

func TestParseQuestions(t *testing.T) {
	raw := "  What is your name?  \n\n How many guests?\r\n"
	require.Equal(t, []string{"What is your name?", "How many guests?"}, inbox.ParseQuestions(raw))

	long := ""
	for i := 0; i < 12; i++ {
		long += "Q\n"
	}
	require.Len(t, inbox.ParseQuestions(long), inbox.MaxQuestions)

	big := make([]rune, 400)
	for i := range big {
		big[i] = 'a'
	}
	got := inbox.ParseQuestions(string(big))
	require.Len(t, []rune(got[0]), inbox.MaxQuestionLength)
}
