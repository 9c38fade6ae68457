package suppression

import (
	"context"
	"fmt"
)

const DefaultBackfillBatchSize = 500

type BackfillStats struct {
	Batches      int `json:"batches"`
	Logs         int `json:"logs"`
	Calls        int `json:"calls"`
	Details      int `json:"details"`
	Unsubscribed int `json:"unsubscribed"`
	Suppressed   int `json:"suppressed"`
}

// Backfill replays Process over every stored delivery batch in ascending id
// order, pageSize batches at a time.
func (e *Engine) Backfill(ctx context.Context, pageSize int) (BackfillStats, error) {
	if pageSize <= 0 {
		pageSize = DefaultBackfillBatchSize
	}
	var total BackfillStats
	var lastID int64
	for {
		page, err := e.store.ListBatchesAfter(ctx, lastID, pageSize)
		if err != nil {
			return total, fmt.Errorf("list batches after %d: %w", lastID, err)
		}
		if len(page) == 0 {
			break
		}

		var step BackfillStats
		step.Batches = 1
		for _, b := range page {
			step.Logs++
			if len(b.Results) == 0 {
				continue
			}
			step.Details += len(b.Results)
			c, err := e.Process(ctx, b.Results, b.ID)
			if err != nil {
				return total, fmt.Errorf("process batch %d: %w", b.ID, err)
			}
			step.Unsubscribed += c.UnsubscribedUpserts
			step.Suppressed += c.SuppressedUpserts
			step.Calls++
		}
		lastID = page[len(page)-1].ID

		total.Batches += step.Batches
		total.Logs += step.Logs
		total.Calls += step.Calls
		total.Details += step.Details
		total.Unsubscribed += step.Unsubscribed
		total.Suppressed += step.Suppressed

		e.log.Info().
			Int("page", total.Batches).
			Int("logs", step.Logs).
			Int("calls", step.Calls).
			Int("details", step.Details).
			Int("unsubscribed", step.Unsubscribed).
			Int("suppressed", step.Suppressed).
			Msg("backfill page")
	}

	e.log.Info().
		Int("pages", total.Batches).
		Int("logs", total.Logs).
		Int("calls", total.Calls).
		Int("details", total.Details).
		Int("unsubscribed", total.Unsubscribed).
		Int("suppressed", total.Suppressed).
		Msg("backfill complete")
	return total, nil
}
