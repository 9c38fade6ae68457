package suppression

import (
	"context"
	"fmt"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/phone"
	"github.com/rs/zerolog"
)

// SourceMessageFailure tags records derived from delivery results.
const SourceMessageFailure = "message_failure"

// Counts summarises one Process call.
type Counts struct {
	Total                    int `json:"total"`
	Failed                   int `json:"failed"`
	OptOut                   int `json:"opt_out"`
	HardFail                 int `json:"hard_fail"`
	SoftFail                 int `json:"soft_fail"`
	UnsubscribedUpserts      int `json:"unsubscribed_upserts"`
	SuppressedUpserts        int `json:"suppressed_upserts"`
	SoftFailSuppressions     int `json:"soft_fail_suppressions"`
	CommunityMemberDeletes   int `json:"community_member_deletes"`
	EventRegistrationDeletes int `json:"event_registration_deletes"`
	SkippedNoPhone           int `json:"skipped_no_phone"`
	Transient                int `json:"transient"`
}

type Engine struct {
	store *core.Store
	log   zerolog.Logger
	// softFailLimit suppresses a phone after this many distinct soft-failing
	// batches without a success in between. Zero disables the cap.
	softFailLimit int
}

func NewEngine(store *core.Store, log zerolog.Logger, softFailLimit int) *Engine {
	return &Engine{store: store, log: log.With().Str("component", "suppression").Logger(), softFailLimit: softFailLimit}
}

// Process applies one batch's results inside a single transaction. Every
// write is keyed by phone, so replaying the same results is a no-op.
func (e *Engine) Process(ctx context.Context, results []core.SendResult, batchID int64) (Counts, error) {
	c := Counts{Total: len(results)}
	err := e.store.WithTx(ctx, func(tx *core.Store) error {
		c = Counts{Total: len(results)}
		var hardFailed []string
		seen := map[string]bool{}

		for _, r := range results {
			p := phone.Normalize(r.Phone)
			if !r.Failed() {
				if r.Success && p != "" && e.softFailLimit > 0 {
					if err := tx.ClearSoftFails(ctx, p); err != nil {
						return fmt.Errorf("clear soft fails: %w", err)
					}
				}
				continue
			}

			c.Failed++
			if p == "" {
				c.SkippedNoPhone++
				continue
			}
			if r.Status == core.SendTransient {
				c.Transient++
				continue
			}

			switch Classify(r.Error) {
			case OptOut:
				c.OptOut++
				err := tx.UpsertUnsubscribed(ctx, core.UnsubscribeInput{
					Phone: p, Name: r.Name, Reason: r.Error, Source: SourceMessageFailure,
				})
				if err != nil {
					return fmt.Errorf("upsert unsubscribed: %w", err)
				}
				c.UnsubscribedUpserts++

			case HardFail:
				c.HardFail++
				if err := tx.UpsertSuppressed(ctx, core.SuppressInput{
					Phone: p, Reason: r.Error, Category: string(HardFail), Source: SourceMessageFailure,
					SourceBatchID: &batchID,
				}); err != nil {
					return fmt.Errorf("upsert suppressed: %w", err)
				}
				c.SuppressedUpserts++
				if !seen[p] {
					seen[p] = true
					hardFailed = append(hardFailed, p)
				}

			case SoftFail:
				c.SoftFail++
				if e.softFailLimit <= 0 {
					continue
				}
				n, err := tx.RecordSoftFail(ctx, p, batchID, r.Error)
				if err != nil {
					return fmt.Errorf("record soft fail: %w", err)
				}
				if n >= e.softFailLimit {
					if err := tx.UpsertSuppressed(ctx, core.SuppressInput{
						Phone: p, Reason: r.Error, Category: string(SoftFail), Source: SourceMessageFailure,
						SourceBatchID: &batchID,
					}); err != nil {
						return fmt.Errorf("upsert soft-fail suppression: %w", err)
					}
					c.SoftFailSuppressions++
				}
			}
		}

		members, regs, err := tx.DeleteRecipientsByPhone(ctx, hardFailed)
		if err != nil {
			return fmt.Errorf("delete suppressed recipients: %w", err)
		}
		c.CommunityMemberDeletes = int(members)
		c.EventRegistrationDeletes = int(regs)
		return nil
	})
	if err != nil {
		return Counts{}, err
	}

	metrics.SuppressionUpserts.WithLabelValues("unsubscribed").Add(float64(c.UnsubscribedUpserts))
	metrics.SuppressionUpserts.WithLabelValues("suppressed").Add(float64(c.SuppressedUpserts))
	metrics.SuppressionUpserts.WithLabelValues("soft_fail_limit").Add(float64(c.SoftFailSuppressions))

	e.log.Info().
		Int64("batch_id", batchID).
		Int("total", c.Total).
		Int("failed", c.Failed).
		Int("opt_out", c.OptOut).
		Int("hard_fail", c.HardFail).
		Int("soft_fail", c.SoftFail).
		Int("unsubscribed_upserts", c.UnsubscribedUpserts).
		Int("suppressed_upserts", c.SuppressedUpserts).
		Int("community_member_deletes", c.CommunityMemberDeletes).
		Int("event_registration_deletes", c.EventRegistrationDeletes).
		Int("skipped_no_phone", c.SkippedNoPhone).
		Int("transient", c.Transient).
		Msg("processed failure details")
	return c, nil
}
