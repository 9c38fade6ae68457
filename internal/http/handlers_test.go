package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/sms-outreach/internal/core"
	database "github.com/Cypherspark/sms-outreach/internal/db"
	httpapi "github.com/Cypherspark/sms-outreach/internal/http"
	"github.com/Cypherspark/sms-outreach/internal/inbox"
	"github.com/Cypherspark/sms-outreach/internal/provider"
	"github.com/Cypherspark/sms-outreach/internal/queue"
	"github.com/Cypherspark/sms-outreach/internal/signing"
)

const (
	adminToken = "s3cret"
	authToken  = "twilio-token"
	publicURL  = "https://outreach.example.com"
)

type okProvider struct{ n int }

func (p *okProvider) Send(context.Context, string, string) (provider.Result, error) {
	p.n++
	return provider.Result{Success: true, MessageID: fmt.Sprintf("SM-OUT-%d", p.n), Status: "queued"}, nil
}

type env struct {
	store  *core.Store
	broker *queue.Memory
	h      http.Handler
}

func startAPI(t *testing.T) *env {
	pg := database.StartTestPostgres(t)
	store := core.NewStore(pg.Pool)
	broker := queue.NewMemory(16)
	t.Cleanup(func() { _ = broker.Close() })

	engine := inbox.NewEngine(store, &okProvider{}, inbox.Options{AutoReplyEnabled: true}, zerolog.Nop())
	srv := httpapi.NewServer(store, broker, engine, pg.Pool.Ping, httpapi.Options{
		AdminToken:        adminToken,
		PublicURL:         publicURL,
		AuthToken:         authToken,
		ValidateSignature: true,
		SendRetries:       3,
	}, zerolog.Nop())
	return &env{store: store, broker: broker, h: srv.Router()}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestCreateBatchFiltersAndEnqueues(t *testing.T) {
	e := startAPI(t)
	ctx := context.Background()
	_, err := e.store.AddCommunityMember(ctx, "Ada Lovelace", "+15550000001")
	require.NoError(t, err)
	_, err = e.store.AddCommunityMember(ctx, "Opted Out", "+15550000002")
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertUnsubscribed(ctx, core.UnsubscribeInput{Phone: "+15550000002", Source: "manual"}))

	w := e.do(t, "POST", "/api/v1/batches", `{"body":"Hi {first_name}","target":"community"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Batch   core.DeliveryBatch `json:"batch"`
		Skipped int                `json:"skipped"`
	}
	decodeBody(t, w, &resp)
	require.Equal(t, 1, resp.Skipped)
	require.Equal(t, core.BatchProcessing, resp.Batch.Status)
	require.Equal(t, 1, resp.Batch.TotalRecipients)

	d, err := e.broker.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, queue.SendBulk, d.Job.Name)
	require.Equal(t, 3, d.Job.RetriesLeft)
	var args queue.SendBulkArgs
	require.NoError(t, d.Job.Decode(&args))
	require.Equal(t, resp.Batch.ID, args.BatchID)
	require.Equal(t, []queue.RecipientArg{{Phone: "+15550000001", Name: "Ada Lovelace"}}, args.Recipients)

	w = e.do(t, "GET", "/api/v1/batches/"+itoa(resp.Batch.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateBatchEnqueueFailureMarksBatchFailed(t *testing.T) {
	e := startAPI(t)
	ctx := context.Background()
	_, err := e.store.AddCommunityMember(ctx, "Ada Lovelace", "+15550000001")
	require.NoError(t, err)
	require.NoError(t, e.broker.Close())

	w := e.do(t, "POST", "/api/v1/batches", `{"body":"Hi {first_name}","target":"community"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())

	batches, err := e.store.ListBatchesAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	b := batches[0]
	require.Equal(t, core.BatchFailed, b.Status)
	require.Equal(t, 1, b.TotalRecipients)
	require.Equal(t, 1, b.FailureCount)
	require.Len(t, b.Results, 1)
	require.Contains(t, b.Results[0].Error, queue.ErrClosed.Error())
}

func TestCreateBatchRejectsBadInput(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "POST", "/api/v1/batches", `{"body":"Hi {nickname}","target":"community"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "{nickname}")

	w = e.do(t, "POST", "/api/v1/batches", `{"body":"Hi","target":"event"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/api/v1/batches", `{"body":"Hi","target":"community"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = e.do(t, "GET", "/api/v1/batches/999", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminTokenRequired(t *testing.T) {
	e := startAPI(t)
	req := httptest.NewRequest("GET", "/api/v1/batches/1", nil)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestScheduledLifecycle(t *testing.T) {
	e := startAPI(t)
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	w := e.do(t, "POST", "/api/v1/scheduled", `{"body":"Reminder","target":"community","scheduled_at":"`+at+`","test_mode":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var m core.ScheduledSend
	decodeBody(t, w, &m)
	require.Equal(t, core.ScheduledPending, m.Status)
	require.True(t, m.TestMode)

	w = e.do(t, "POST", "/api/v1/scheduled/"+itoa(m.ID)+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", "/api/v1/scheduled/"+itoa(m.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &m)
	require.Equal(t, core.ScheduledCancelled, m.Status)

	w = e.do(t, "POST", "/api/v1/scheduled/"+itoa(m.ID)+"/cancel", "")
	require.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, "POST", "/api/v1/scheduled/424242/cancel", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestKeywordRuleAndSurveyShareNamespace(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "POST", "/api/v1/keyword-rules", `{"keyword":" help ","response_body":"We can help."}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule core.KeywordRule
	decodeBody(t, w, &rule)
	require.Equal(t, "HELP", rule.Keyword)
	require.True(t, rule.Active)

	w = e.do(t, "POST", "/api/v1/surveys", `{"name":"Help survey","trigger_keyword":"help","questions":"Name?"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, "POST", "/api/v1/surveys", `{"name":"RSVP","trigger_keyword":"rsvp","questions":"Name?\nGuests?\n"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var flow core.SurveyFlow
	decodeBody(t, w, &flow)
	require.Equal(t, []string{"Name?", "Guests?"}, flow.Questions)
}

func webhook(t *testing.T, e *env, form url.Values, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	const path = "/webhooks/sms/inbound"
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{}
	for k := range form {
		params[k] = form.Get(k)
	}
	if sign {
		req.Header.Set(signing.Header, signing.Sign(authToken, publicURL+path, params))
	} else {
		req.Header.Set(signing.Header, "bogus")
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func TestInboundWebhookThenReplyAndRead(t *testing.T) {
	e := startAPI(t)
	ctx := context.Background()
	form := url.Values{"From": {"+15551230000"}, "Body": {"hello"}, "MessageSid": {"SM-WH-1"}, "ProfileName": {"Sam"}}

	w := webhook(t, e, form, false)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = webhook(t, e, form, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/xml", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "<Response></Response>")

	thread, err := e.store.EnsureThread(ctx, "+15551230000", "", time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, thread.UnreadCount)
	require.Equal(t, "Sam", *thread.ContactName)

	// redelivery of the same sid is absorbed
	w = webhook(t, e, form, true)
	require.Equal(t, http.StatusOK, w.Code)
	msgs, err := e.store.ThreadMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	w = e.do(t, "POST", "/api/v1/threads/"+itoa(thread.ID)+"/reply", `{"body":"  "}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/api/v1/threads/"+itoa(thread.ID)+"/reply", `{"body":"Hi Sam"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "POST", "/api/v1/threads/"+itoa(thread.ID)+"/read", "")
	require.Equal(t, http.StatusOK, w.Code)
	got, err := e.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.Zero(t, got.UnreadCount)

	w = e.do(t, "POST", "/api/v1/threads/99999/read", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnqueueBackfill(t *testing.T) {
	e := startAPI(t)
	w := e.do(t, "POST", "/api/v1/suppressions/backfill", `{"batch_size":50}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	d, err := e.broker.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, queue.BackfillSuppressions, d.Job.Name)
	require.Zero(t, d.Job.RetriesLeft)
	var args queue.BackfillArgs
	require.NoError(t, d.Job.Decode(&args))
	require.Equal(t, 50, args.BatchSize)
}

func TestHealth(t *testing.T) {
	e := startAPI(t)
	for _, p := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		e.h.ServeHTTP(w, httptest.NewRequest("GET", p, nil))
		require.Equal(t, http.StatusOK, w.Code, p)
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
