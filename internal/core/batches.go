package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const batchColumns = `id, created_at, body, target, event_id, status, total_recipients, success_count, failure_count, results`

// CreateBatch inserts b and fills in its id and creation time.
func (s *Store) CreateBatch(ctx context.Context, b *DeliveryBatch) error {
	if b.Status == "" {
		b.Status = BatchProcessing
	}
	if b.Results == nil {
		b.Results = []SendResult{}
	}
	results, err := json.Marshal(b.Results)
	if err != nil {
		return err
	}
	return s.DB.QueryRow(ctx, `
		INSERT INTO delivery_batches(body, target, event_id, status, total_recipients, success_count, failure_count, results)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb)
		RETURNING id, created_at
	`, b.Body, b.Target, b.EventID, b.Status, b.TotalRecipients, b.SuccessCount, b.FailureCount, string(results)).
		Scan(&b.ID, &b.CreatedAt)
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*DeliveryBatch, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+batchColumns+` FROM delivery_batches WHERE id=$1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// AppendBatchResult records one recipient outcome and bumps the matching counter.
func (s *Store) AppendBatchResult(ctx context.Context, id int64, r SendResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE delivery_batches
		SET results = results || jsonb_build_array($2::jsonb),
		    success_count = success_count + CASE WHEN $3::boolean THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $3::boolean THEN 0 ELSE 1 END
		WHERE id=$1
	`, id, string(raw), r.Success)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishBatch sets the terminal status and recipient total.
func (s *Store) FinishBatch(ctx context.Context, id int64, status string, total int) error {
	_, err := s.DB.Exec(ctx, `UPDATE delivery_batches SET status=$2, total_recipients=$3 WHERE id=$1`, id, status, total)
	return err
}

// ListBatchesAfter pages batches in ascending id order for replay.
func (s *Store) ListBatchesAfter(ctx context.Context, afterID int64, limit int) ([]DeliveryBatch, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+batchColumns+` FROM delivery_batches
		WHERE id > $1 ORDER BY id LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (*DeliveryBatch, error) {
	var b DeliveryBatch
	var raw []byte
	if err := row.Scan(&b.ID, &b.CreatedAt, &b.Body, &b.Target, &b.EventID, &b.Status,
		&b.TotalRecipients, &b.SuccessCount, &b.FailureCount, &raw); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &b.Results); err != nil {
			return nil, fmt.Errorf("batch %d results: %w", b.ID, err)
		}
	}
	if b.Results == nil {
		b.Results = []SendResult{}
	}
	return &b, nil
}
