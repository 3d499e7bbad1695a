package pg

import (
	"context"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

const threadColumns = `id, contact_id, COALESCE(lead_id,''), channel, status, COALESCE(last_message_preview,''), last_message_at, created_at, updated_at`

func scanThread(row interface{ Scan(dest ...any) error }) (store.Thread, error) {
	var t store.Thread
	var channel, status string
	err := row.Scan(&t.ID, &t.ContactID, &t.LeadID, &channel, &status, &t.LastMessagePreview, &t.LastMessageAt, &t.CreatedAt, &t.UpdatedAt)
	t.Channel = domain.Channel(channel)
	t.Status = domain.ThreadStatus(status)
	return t, err
}

func (s *Store) FindCurrentThread(ctx context.Context, contactID string, channel domain.Channel) (store.Thread, bool, error) {
	t, err := scanThread(s.q.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM conversation_threads
		WHERE contact_id=$1 AND channel=$2 AND status IN ('open','pending','closed')
		ORDER BY last_message_at DESC NULLS LAST, updated_at DESC
		LIMIT 1
	`, contactID, string(channel)))
	ok, err := found(err)
	return t, ok, err
}

func (s *Store) GetThread(ctx context.Context, id string) (store.Thread, bool, error) {
	t, err := scanThread(s.q.QueryRow(ctx, `SELECT `+threadColumns+` FROM conversation_threads WHERE id=$1`, id))
	ok, err := found(err)
	return t, ok, err
}

func (s *Store) InsertThread(ctx context.Context, t store.Thread) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO conversation_threads (id, contact_id, lead_id, channel, status, last_message_preview, last_message_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, t.ID, t.ContactID, nullIfEmpty(t.LeadID), string(t.Channel), string(t.Status), nullIfEmpty(t.LastMessagePreview), t.LastMessageAt, t.CreatedAt, t.UpdatedAt)
	return mapErr(err)
}

func (s *Store) BumpThread(ctx context.Context, b store.ThreadBump) error {
	_, err := s.q.Exec(ctx, `
		UPDATE conversation_threads
		SET last_message_preview=$2, last_message_at=GREATEST(COALESCE(last_message_at, $3), $3), updated_at=$3
		WHERE id=$1
	`, b.ThreadID, b.Preview, b.At)
	return err
}

func (s *Store) FindParticipant(ctx context.Context, threadID string, typ domain.ParticipantType) (store.Participant, bool, error) {
	var p store.Participant
	var pt string
	err := s.q.QueryRow(ctx, `
		SELECT id, thread_id, participant_type, COALESCE(contact_id,''), COALESCE(display_name,''), COALESCE(external_address,''), created_at
		FROM conversation_participants
		WHERE thread_id=$1 AND participant_type=$2
		ORDER BY created_at LIMIT 1
	`, threadID, string(typ)).Scan(&p.ID, &p.ThreadID, &pt, &p.ContactID, &p.DisplayName, &p.ExternalAddress, &p.CreatedAt)
	p.Type = domain.ParticipantType(pt)
	ok, err := found(err)
	return p, ok, err
}

func (s *Store) InsertParticipant(ctx context.Context, p store.Participant) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO conversation_participants (id, thread_id, participant_type, contact_id, display_name, external_address, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.ThreadID, string(p.Type), nullIfEmpty(p.ContactID), nullIfEmpty(p.DisplayName), nullIfEmpty(p.ExternalAddress), p.CreatedAt)
	return mapErr(err)
}
