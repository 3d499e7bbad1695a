package pg

import (
	"context"
	"errors"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

func (s *Store) InsertDeliveryEvent(ctx context.Context, e store.DeliveryEvent) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO message_delivery_events (id, message_id, status, detail, provider, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.MessageID, string(e.Status), nullIfEmpty(e.Detail), nullIfEmpty(e.Provider), e.OccurredAt)
	return mapErr(err)
}

func (s *Store) ListDeliveryEvents(ctx context.Context, messageID string) ([]store.DeliveryEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, message_id, status, COALESCE(detail,''), COALESCE(provider,''), occurred_at
		FROM message_delivery_events WHERE message_id=$1
		ORDER BY occurred_at, id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeliveryEvent
	for rows.Next() {
		var e store.DeliveryEvent
		var status string
		if err := rows.Scan(&e.ID, &e.MessageID, &status, &e.Detail, &e.Provider, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Status = domain.DeliveryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RecordProviderOutcome(ctx context.Context, u store.HealthUpdate) error {
	switch {
	case u.Success:
		_, err := s.q.Exec(ctx, `
			INSERT INTO provider_health (provider, last_success_at, updated_at)
			VALUES ($1,$2,$2)
			ON CONFLICT (provider)
			DO UPDATE SET last_success_at=GREATEST(COALESCE(provider_health.last_success_at, EXCLUDED.last_success_at), EXCLUDED.last_success_at),
			              updated_at=EXCLUDED.updated_at
		`, u.Provider, u.At)
		return err
	case u.Failure:
		_, err := s.q.Exec(ctx, `
			INSERT INTO provider_health (provider, last_failure_at, last_failure_detail, updated_at)
			VALUES ($1,$2,$3,$2)
			ON CONFLICT (provider)
			DO UPDATE SET last_failure_at=GREATEST(COALESCE(provider_health.last_failure_at, EXCLUDED.last_failure_at), EXCLUDED.last_failure_at),
			              last_failure_detail=EXCLUDED.last_failure_detail,
			              updated_at=EXCLUDED.updated_at
		`, u.Provider, u.At, nullIfEmpty(u.Detail))
		return err
	default:
		return errors.New("health update must be a success or a failure")
	}
}

func (s *Store) GetProviderHealth(ctx context.Context, provider string) (store.ProviderHealth, bool, error) {
	var h store.ProviderHealth
	err := s.q.QueryRow(ctx, `
		SELECT provider, last_success_at, last_failure_at, COALESCE(last_failure_detail,'')
		FROM provider_health WHERE provider=$1
	`, provider).Scan(&h.Provider, &h.LastSuccessAt, &h.LastFailureAt, &h.LastFailureDetail)
	ok, err := found(err)
	return h, ok, err
}
