package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const scheduledColumns = `id, created_at, scheduled_at, body, target, event_id, test_mode, status,
	processing_started_at, sent_at, error_message, batch_id`

// CreateScheduled inserts a pending scheduled send.
func (s *Store) CreateScheduled(ctx context.Context, m *ScheduledSend) error {
	m.Status = ScheduledPending
	return s.DB.QueryRow(ctx, `
		INSERT INTO scheduled_sends(scheduled_at, body, target, event_id, test_mode, status)
		VALUES($1,$2,$3,$4,$5,'pending')
		RETURNING id, created_at
	`, m.ScheduledAt, m.Body, m.Target, m.EventID, m.TestMode).Scan(&m.ID, &m.CreatedAt)
}

func (s *Store) GetScheduled(ctx context.Context, id int64) (*ScheduledSend, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+scheduledColumns+` FROM scheduled_sends WHERE id=$1`, id)
	m, err := scanScheduled(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// FailStuckProcessing fails every processing send scheduled at or before cutoff.
func (s *Store) FailStuckProcessing(ctx context.Context, cutoff, now time.Time, reason string) ([]int64, error) {
	return s.collectIDs(ctx, `
		UPDATE scheduled_sends
		SET status='failed', error_message=$3, sent_at=$2
		WHERE status='processing' AND scheduled_at <= $1
		RETURNING id
	`, cutoff, now, reason)
}

// ExpirePending expires every pending send scheduled before cutoff.
func (s *Store) ExpirePending(ctx context.Context, cutoff, now time.Time, reason string) ([]int64, error) {
	return s.collectIDs(ctx, `
		UPDATE scheduled_sends
		SET status='expired', error_message=$3, sent_at=$2
		WHERE status='pending' AND scheduled_at < $1
		RETURNING id
	`, cutoff, now, reason)
}

// DuePending lists pending sends scheduled at or before now, oldest first.
func (s *Store) DuePending(ctx context.Context, now time.Time) ([]ScheduledSend, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_sends
		WHERE status='pending' AND scheduled_at <= $1
		ORDER BY scheduled_at, id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledSend
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ClaimScheduled moves one send from pending to processing. It returns false
// when another worker got there first; no lock outlives the statement.
func (s *Store) ClaimScheduled(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE scheduled_sends SET status='processing', processing_started_at=$2
		WHERE id=$1 AND status='pending'
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkScheduledFailed(ctx context.Context, id int64, now time.Time, reason string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_sends SET status='failed', error_message=$3, sent_at=$2
		WHERE id=$1 AND status='processing'
	`, id, now, reason)
	return err
}

func (s *Store) MarkScheduledSent(ctx context.Context, id int64, now time.Time, batchID int64) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_sends SET status='sent', sent_at=$2, batch_id=$3, error_message=NULL
		WHERE id=$1 AND status='processing'
	`, id, now, batchID)
	return err
}

// CancelScheduled cancels a send that is still pending or processing and
// reports whether anything changed.
func (s *Store) CancelScheduled(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE scheduled_sends SET status='cancelled', error_message='Cancelled by operator', sent_at=$2
		WHERE id=$1 AND status IN ('pending','processing')
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) collectIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanScheduled(row pgx.Row) (*ScheduledSend, error) {
	var m ScheduledSend
	err := row.Scan(&m.ID, &m.CreatedAt, &m.ScheduledAt, &m.Body, &m.Target, &m.EventID, &m.TestMode, &m.Status,
		&m.ProcessingStartedAt, &m.SentAt, &m.Error, &m.BatchID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
