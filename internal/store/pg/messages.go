package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

const messageColumns = `id, thread_id, COALESCE(participant_id,''), direction, channel, body, COALESCE(subject,''),
	media_urls, addresses, COALESCE(provider,''), COALESCE(provider_message_id,''), COALESCE(delivery_status,''),
	metadata, created_at, sent_at, received_at`

func scanMessage(row interface{ Scan(dest ...any) error }) (store.Message, error) {
	var m store.Message
	var direction, channel, status string
	var mediaJSON, addrJSON, metaJSON []byte
	err := row.Scan(&m.ID, &m.ThreadID, &m.ParticipantID, &direction, &channel, &m.Body, &m.Subject,
		&mediaJSON, &addrJSON, &m.Provider, &m.ProviderMessageID, &status,
		&metaJSON, &m.CreatedAt, &m.SentAt, &m.ReceivedAt)
	if err != nil {
		return store.Message{}, err
	}
	m.Direction = domain.Direction(direction)
	m.Channel = domain.Channel(channel)
	m.DeliveryStatus = domain.DeliveryStatus(status)
	if err := decodeJSON(mediaJSON, &m.MediaURLs, "media_urls"); err != nil {
		return store.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if err := decodeJSON(addrJSON, &m.Addresses, "addresses"); err != nil {
		return store.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if err := decodeJSON(metaJSON, &m.Metadata, "metadata"); err != nil {
		return store.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	return m, nil
}

func decodeJSON(b []byte, v any, column string) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", column, err)
	}
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m store.Message) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO conversation_messages (id, thread_id, participant_id, direction, channel, body, subject,
			media_urls, addresses, provider, provider_message_id, delivery_status, metadata, created_at, sent_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, m.ID, m.ThreadID, nullIfEmpty(m.ParticipantID), string(m.Direction), string(m.Channel), m.Body, nullIfEmpty(m.Subject),
		jsonOrDefault(m.MediaURLs, "[]"), jsonOrDefault(m.Addresses, "{}"), nullIfEmpty(m.Provider), nullIfEmpty(m.ProviderMessageID),
		nullIfEmpty(string(m.DeliveryStatus)), jsonOrDefault(m.Metadata, "{}"), m.CreatedAt, m.SentAt, m.ReceivedAt)
	return mapErr(err)
}

func (s *Store) GetMessage(ctx context.Context, id string) (store.Message, bool, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM conversation_messages WHERE id=$1`, id))
	ok, err := found(err)
	return m, ok, err
}

func (s *Store) LockMessage(ctx context.Context, id string) (store.Message, bool, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM conversation_messages WHERE id=$1 FOR UPDATE`, id))
	ok, err := found(err)
	return m, ok, err
}

func (s *Store) FindOutboundByDedupeKey(ctx context.Context, threadID, dedupeKey string) (store.Message, bool, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM conversation_messages
		WHERE thread_id=$1 AND direction='outbound' AND metadata->>'dedupeKey'=$2
		LIMIT 1
	`, threadID, dedupeKey))
	ok, err := found(err)
	return m, ok, err
}

func (s *Store) FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (store.Message, bool, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM conversation_messages
		WHERE provider=$1 AND provider_message_id=$2
	`, provider, providerMessageID))
	ok, err := found(err)
	return m, ok, err
}

func (s *Store) LockByProviderMessageID(ctx context.Context, provider, providerMessageID string) (store.Message, bool, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM conversation_messages
		WHERE provider=$1 AND provider_message_id=$2
		FOR UPDATE
	`, provider, providerMessageID))
	ok, err := found(err)
	return m, ok, err
}

func (s *Store) UpdateDeliveryStatus(ctx context.Context, u store.StatusUpdate) error {
	_, err := s.q.Exec(ctx, `
		UPDATE conversation_messages
		SET delivery_status=$2,
		    provider=COALESCE($3, provider),
		    provider_message_id=COALESCE($4, provider_message_id),
		    sent_at=COALESCE(sent_at, $5)
		WHERE id=$1
	`, u.MessageID, string(u.Status), nullIfEmpty(u.Provider), nullIfEmpty(u.ProviderMessageID), u.SentAt)
	return mapErr(err)
}

func (s *Store) ListThreadMessages(ctx context.Context, threadID string, limit int) ([]store.Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+messageColumns+` FROM conversation_messages
		WHERE thread_id=$1
		ORDER BY COALESCE(sent_at, received_at, created_at) DESC
		LIMIT $2
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
