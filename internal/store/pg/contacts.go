package pg

import (
	"context"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

const contactColumns = `id, COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(email,''), COALESCE(phone,''), COALESCE(source,''), created_at`

func scanContact(row interface{ Scan(dest ...any) error }) (store.Contact, error) {
	var c store.Contact
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Source, &c.CreatedAt)
	return c, err
}

func (s *Store) GetContact(ctx context.Context, id string) (store.Contact, bool, error) {
	c, err := scanContact(s.q.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, id))
	ok, err := found(err)
	return c, ok, err
}

func (s *Store) FindContactByPhone(ctx context.Context, e164 string) (store.Contact, bool, error) {
	c, err := scanContact(s.q.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE phone=$1 ORDER BY created_at LIMIT 1
	`, e164))
	ok, err := found(err)
	return c, ok, err
}

func (s *Store) FindContactByEmail(ctx context.Context, email string) (store.Contact, bool, error) {
	c, err := scanContact(s.q.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE lower(email)=lower($1) ORDER BY created_at LIMIT 1
	`, email))
	ok, err := found(err)
	return c, ok, err
}

func (s *Store) InsertContact(ctx context.Context, c store.Contact) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO contacts (id, first_name, last_name, email, phone, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, c.ID, nullIfEmpty(c.FirstName), nullIfEmpty(c.LastName), nullIfEmpty(c.Email), nullIfEmpty(c.Phone), nullIfEmpty(c.Source), c.CreatedAt)
	return mapErr(err)
}

func (s *Store) LatestLeadForContact(ctx context.Context, contactID string) (string, bool, error) {
	var id string
	err := s.q.QueryRow(ctx, `
		SELECT id FROM leads WHERE contact_id=$1 ORDER BY created_at DESC LIMIT 1
	`, contactID).Scan(&id)
	ok, err := found(err)
	return id, ok, err
}

func (s *Store) SetConsent(ctx context.Context, contactID string, channel domain.Channel, status store.ConsentStatus, now time.Time) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO consents (contact_id, channel, status, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (contact_id, channel)
		DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at
	`, contactID, string(channel), string(status), now)
	return err
}

func (s *Store) GetConsent(ctx context.Context, contactID string, channel domain.Channel) (store.ConsentStatus, bool, error) {
	var st string
	err := s.q.QueryRow(ctx, `
		SELECT status FROM consents WHERE contact_id=$1 AND channel=$2
	`, contactID, string(channel)).Scan(&st)
	ok, err := found(err)
	return store.ConsentStatus(st), ok, err
}
