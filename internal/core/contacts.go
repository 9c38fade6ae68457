package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// AddCommunityMember inserts a member, refreshing the name when the phone exists.
func (s *Store) AddCommunityMember(ctx context.Context, name, phone string) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO community_members(name, phone) VALUES($1,$2)
		ON CONFLICT (phone) DO UPDATE SET name = COALESCE(EXCLUDED.name, community_members.name)
		RETURNING id
	`, nullable(name), phone).Scan(&id)
	return id, err
}

func (s *Store) CommunityRecipients(ctx context.Context) ([]Recipient, error) {
	return s.recipients(ctx, `SELECT phone, COALESCE(name,'') FROM community_members ORDER BY id`)
}

func (s *Store) CreateEvent(ctx context.Context, title string) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `INSERT INTO events(title) VALUES($1) RETURNING id`, title).Scan(&id)
	return id, err
}

func (s *Store) AddRegistration(ctx context.Context, eventID int64, name, phone string) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO event_registrations(event_id, name, phone) VALUES($1,$2,$3) RETURNING id
	`, eventID, nullable(name), phone).Scan(&id)
	return id, err
}

func (s *Store) EventRecipients(ctx context.Context, eventID int64) ([]Recipient, error) {
	return s.recipients(ctx, `SELECT phone, COALESCE(name,'') FROM event_registrations WHERE event_id=$1 ORDER BY id`, eventID)
}

func (s *Store) EventRegistrations(ctx context.Context, eventID int64, phone string) ([]EventRegistration, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, event_id, name, phone FROM event_registrations
		WHERE event_id=$1 AND phone=$2 ORDER BY id
	`, eventID, phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRegistration
	for rows.Next() {
		var r EventRegistration
		if err := rows.Scan(&r.ID, &r.EventID, &r.Name, &r.Phone); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRegistration updates the event's registrations for phone, inserting
// one when none exist.
func (s *Store) UpsertRegistration(ctx context.Context, eventID int64, name, phone string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE event_registrations SET name = COALESCE($3, name)
		WHERE event_id=$1 AND phone=$2
	`, eventID, phone, nullable(name))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = s.AddRegistration(ctx, eventID, name, phone)
	return err
}

// UnsubscribedPhones returns the subset of phones with an unsubscribe record.
func (s *Store) UnsubscribedPhones(ctx context.Context, phones []string) (map[string]bool, error) {
	return s.phoneSet(ctx, `SELECT phone FROM unsubscribed_contacts WHERE phone = ANY($1)`, phones)
}

// SuppressedPhones returns the subset of phones with a suppression record.
func (s *Store) SuppressedPhones(ctx context.Context, phones []string) (map[string]bool, error) {
	return s.phoneSet(ctx, `SELECT phone FROM suppressed_contacts WHERE phone = ANY($1)`, phones)
}

type UnsubscribeInput struct {
	Phone  string
	Name   string
	Reason string
	Source string
}

// UpsertUnsubscribed is keyed by phone. An existing record takes the new
// source, the new reason when one is given, and a name only if it had none.
func (s *Store) UpsertUnsubscribed(ctx context.Context, in UnsubscribeInput) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO unsubscribed_contacts(phone, name, reason, source) VALUES($1,$2,$3,$4)
		ON CONFLICT (phone) DO UPDATE SET
			source = EXCLUDED.source,
			reason = COALESCE(EXCLUDED.reason, unsubscribed_contacts.reason),
			name   = COALESCE(unsubscribed_contacts.name, EXCLUDED.name)
	`, in.Phone, nullable(in.Name), nullable(in.Reason), in.Source)
	return err
}

// DeleteUnsubscribed removes the phone's record and reports whether one existed.
func (s *Store) DeleteUnsubscribed(ctx context.Context, phone string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM unsubscribed_contacts WHERE phone=$1`, phone)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetUnsubscribed(ctx context.Context, phone string) (*UnsubscribedContact, error) {
	var c UnsubscribedContact
	err := s.DB.QueryRow(ctx, `
		SELECT id, phone, name, reason, source, created_at FROM unsubscribed_contacts WHERE phone=$1
	`, phone).Scan(&c.ID, &c.Phone, &c.Name, &c.Reason, &c.Source, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

type SuppressInput struct {
	Phone         string
	Reason        string
	Category      string
	Source        string
	SourceBatchID *int64
}

// UpsertSuppressed is keyed by phone. An existing record is overwritten,
// except that a hard_fail record keeps its category and reason against a
// weaker one.
func (s *Store) UpsertSuppressed(ctx context.Context, in SuppressInput) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO suppressed_contacts(phone, reason, category, source, source_type, source_batch_id)
		VALUES($1,$2,$3,$4,'delivery_batch',$5)
		ON CONFLICT (phone) DO UPDATE SET
			reason = CASE WHEN suppressed_contacts.category = 'hard_fail' AND EXCLUDED.category <> 'hard_fail'
				THEN suppressed_contacts.reason ELSE EXCLUDED.reason END,
			category = CASE WHEN suppressed_contacts.category = 'hard_fail'
				THEN suppressed_contacts.category ELSE EXCLUDED.category END,
			source = EXCLUDED.source,
			source_type = EXCLUDED.source_type,
			source_batch_id = EXCLUDED.source_batch_id,
			updated_at = now()
	`, in.Phone, nullable(in.Reason), in.Category, in.Source, in.SourceBatchID)
	return err
}

func (s *Store) GetSuppressed(ctx context.Context, phone string) (*SuppressedContact, error) {
	var c SuppressedContact
	var source string
	err := s.DB.QueryRow(ctx, `
		SELECT id, phone, reason, category, source, source_batch_id, created_at, updated_at
		FROM suppressed_contacts WHERE phone=$1
	`, phone).Scan(&c.ID, &c.Phone, &c.Reason, &c.Category, &source, &c.SourceBatchID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	c.Source = source
	return &c, err
}

// DeleteRecipientsByPhone drops the phones from community members and every
// event registration list.
func (s *Store) DeleteRecipientsByPhone(ctx context.Context, phones []string) (members, registrations int64, err error) {
	if len(phones) == 0 {
		return 0, 0, nil
	}
	tag, err := s.DB.Exec(ctx, `DELETE FROM community_members WHERE phone = ANY($1)`, phones)
	if err != nil {
		return 0, 0, err
	}
	members = tag.RowsAffected()
	tag, err = s.DB.Exec(ctx, `DELETE FROM event_registrations WHERE phone = ANY($1)`, phones)
	if err != nil {
		return 0, 0, err
	}
	return members, tag.RowsAffected(), nil
}

// RecordSoftFail notes that batchID soft-failed for phone and returns how many
// distinct batches have soft-failed for it since its last success.
func (s *Store) RecordSoftFail(ctx context.Context, phone string, batchID int64, errText string) (int, error) {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO soft_fail_events(phone, batch_id, error_text) VALUES($1,$2,$3)
		ON CONFLICT (phone, batch_id) DO NOTHING
	`, phone, batchID, nullable(errText))
	if err != nil {
		return 0, err
	}
	var n int
	err = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM soft_fail_events WHERE phone=$1`, phone).Scan(&n)
	return n, err
}

func (s *Store) ClearSoftFails(ctx context.Context, phone string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM soft_fail_events WHERE phone=$1`, phone)
	return err
}

func (s *Store) recipients(ctx context.Context, q string, args ...any) ([]Recipient, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.Phone, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) phoneSet(ctx context.Context, q string, phones []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(phones) == 0 {
		return out, nil
	}
	rows, err := s.DB.Query(ctx, q, phones)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}
