package suppression_test

import (
	"context"
	"testing"

	"github.com/Cypherspark/sms-outreach/internal/core"
	database "github.com/Cypherspark/sms-outreach/internal/db"
	"github.com/Cypherspark/sms-outreach/internal/suppression"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, softFailLimit int) (*core.Store, *suppression.Engine) {
	pg := database.StartTestPostgres(t)
	s := core.NewStore(pg.Pool)
	return s, suppression.NewEngine(s, zerolog.Nop(), softFailLimit)
}

func newBatch(t *testing.T, s *core.Store, results ...core.SendResult) int64 {
	b := &core.DeliveryBatch{Body: "hello", Target: core.TargetCommunity, Results: results}
	require.NoError(t, s.CreateBatch(context.Background(), b))
	return b.ID
}

func TestProcessClassifiesAndCascades(t *testing.T) {
	s, e := setup(t, 0)
	ctx := context.Background()

	_, err := s.AddCommunityMember(ctx, "Hard", "+15550000002")
	require.NoError(t, err)
	ev, err := s.CreateEvent(ctx, "Picnic")
	require.NoError(t, err)
	_, err = s.AddRegistration(ctx, ev, "Hard", "+15550000002")
	require.NoError(t, err)

	results := []core.SendResult{
		{Phone: "+15550000001", Name: "Ann", Error: "Attempt to send to unsubscribed recipient"},
		{Phone: "(555) 000-0002", Error: "The 'To' number is not a valid phone number"},
		{Phone: "+15550000003", Error: "Service unavailable"},
		{Phone: "+15550000004", Success: true},
		{Error: "Twilio unavailable"},
	}
	batchID := newBatch(t, s, results...)

	c, err := e.Process(ctx, results, batchID)
	require.NoError(t, err)
	require.Equal(t, 5, c.Total)
	require.Equal(t, 4, c.Failed)
	require.Equal(t, 1, c.OptOut)
	require.Equal(t, 1, c.HardFail)
	require.Equal(t, 1, c.SoftFail)
	require.Equal(t, 1, c.UnsubscribedUpserts)
	require.Equal(t, 1, c.SuppressedUpserts)
	require.Equal(t, 1, c.SkippedNoPhone)
	require.Equal(t, 1, c.CommunityMemberDeletes)
	require.Equal(t, 1, c.EventRegistrationDeletes)

	u, err := s.GetUnsubscribed(ctx, "+15550000001")
	require.NoError(t, err)
	require.Equal(t, suppression.SourceMessageFailure, u.Source)
	require.NotNil(t, u.Name)
	require.Equal(t, "Ann", *u.Name)

	sup, err := s.GetSuppressed(ctx, "+15550000002")
	require.NoError(t, err)
	require.Equal(t, "hard_fail", sup.Category)
	require.Equal(t, batchID, *sup.SourceBatchID)

	_, err = s.GetSuppressed(ctx, "+15550000003")
	require.ErrorIs(t, err, core.ErrNotFound)

	members, err := s.CommunityRecipients(ctx)
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestProcessIsIdempotentAndKeepsLatestReason(t *testing.T) {
	s, e := setup(t, 0)
	ctx := context.Background()

	first := []core.SendResult{{Phone: "+15550000009", Error: "Invalid phone number"}}
	b1 := newBatch(t, s, first...)
	_, err := e.Process(ctx, first, b1)
	require.NoError(t, err)
	_, err = e.Process(ctx, first, b1)
	require.NoError(t, err)

	second := []core.SendResult{{Phone: "+15550000009", Error: "Number is unreachable"}}
	b2 := newBatch(t, s, second...)
	_, err = e.Process(ctx, second, b2)
	require.NoError(t, err)

	var n int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM suppressed_contacts`).Scan(&n))
	require.Equal(t, 1, n)

	sup, err := s.GetSuppressed(ctx, "+15550000009")
	require.NoError(t, err)
	require.Equal(t, "Number is unreachable", *sup.Reason)
	require.Equal(t, b2, *sup.SourceBatchID)
}

func TestSoftFailLimitSuppressesAfterRepeatedBatches(t *testing.T) {
	s, e := setup(t, 2)
	ctx := context.Background()
	soft := []core.SendResult{{Phone: "+15550000010", Error: "timeout"}}

	b1 := newBatch(t, s, soft...)
	c, err := e.Process(ctx, soft, b1)
	require.NoError(t, err)
	require.Zero(t, c.SoftFailSuppressions)

	// same batch again does not count twice
	c, err = e.Process(ctx, soft, b1)
	require.NoError(t, err)
	require.Zero(t, c.SoftFailSuppressions)

	// a success resets the streak
	ok := []core.SendResult{{Phone: "+15550000010", Success: true}}
	_, err = e.Process(ctx, ok, newBatch(t, s, ok...))
	require.NoError(t, err)

	b2 := newBatch(t, s, soft...)
	c, err = e.Process(ctx, soft, b2)
	require.NoError(t, err)
	require.Zero(t, c.SoftFailSuppressions)

	b3 := newBatch(t, s, soft...)
	c, err = e.Process(ctx, soft, b3)
	require.NoError(t, err)
	require.Equal(t, 1, c.SoftFailSuppressions)

	sup, err := s.GetSuppressed(ctx, "+15550000010")
	require.NoError(t, err)
	require.Equal(t, "soft_fail", sup.Category)
}

func TestBackfillReplaysStoredBatches(t *testing.T) {
	s, e := setup(t, 0)
	ctx := context.Background()

	newBatch(t, s, core.SendResult{Phone: "+15550000011", Error: "STOP received"})
	newBatch(t, s)
	newBatch(t, s, core.SendResult{Phone: "+15550000012", Error: "Unknown subscriber"})

	stats, err := e.Backfill(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Batches)
	require.Equal(t, 3, stats.Logs)
	require.Equal(t, 2, stats.Calls)
	require.Equal(t, 2, stats.Details)
	require.Equal(t, 1, stats.Unsubscribed)
	require.Equal(t, 1, stats.Suppressed)

	again, err := e.Backfill(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, stats, again)

	var unsub, sup int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM unsubscribed_contacts`).Scan(&unsub))
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM suppressed_contacts`).Scan(&sup))
	require.Equal(t, 1, unsub)
	require.Equal(t, 1, sup)
}

func TestTransientFailuresNeverCountTowardSoftFailLimit(t *testing.T) {
	s, e := setup(t, 2)
	ctx := context.Background()
	outage := []core.SendResult{{
		Phone:  "+15550000013",
		Status: core.SendTransient,
		Error:  "provider transient error (status 503): Service Unavailable",
	}}

	for i := 0; i < 3; i++ {
		c, err := e.Process(ctx, outage, newBatch(t, s, outage...))
		require.NoError(t, err)
		require.Equal(t, 1, c.Failed)
		require.Equal(t, 1, c.Transient)
		require.Zero(t, c.SoftFail)
		require.Zero(t, c.SoftFailSuppressions)
	}

	_, err := s.GetSuppressed(ctx, "+15550000013")
	require.ErrorIs(t, err, core.ErrNotFound)
	var events int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM soft_fail_events`).Scan(&events))
	require.Zero(t, events)
}

func TestSoftFailDoesNotDowngradeHardFail(t *testing.T) {
	s, e := setup(t, 1)
	ctx := context.Background()

	hard := []core.SendResult{{Phone: "+15550000014", Error: "Invalid phone number"}}
	b1 := newBatch(t, s, hard...)
	_, err := e.Process(ctx, hard, b1)
	require.NoError(t, err)

	soft := []core.SendResult{{Phone: "+15550000014", Error: "timeout"}}
	b2 := newBatch(t, s, soft...)
	c, err := e.Process(ctx, soft, b2)
	require.NoError(t, err)
	require.Equal(t, 1, c.SoftFail)

	sup, err := s.GetSuppressed(ctx, "+15550000014")
	require.NoError(t, err)
	require.Equal(t, "hard_fail", sup.Category)
	require.Equal(t, "Invalid phone number", *sup.Reason)
}
