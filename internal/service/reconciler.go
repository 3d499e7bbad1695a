package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/ids"
	"msgpipe/internal/observability"
	"msgpipe/internal/store"
)

// Outcome is what the reconciler did with one status signal. None of them is
// an error: webhook callers acknowledge every outcome.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeRejected  Outcome = "rejected"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeIgnored   Outcome = "ignored"
)

// Reconciler applies provider status signals to messages under the rank guard.
type Reconciler struct {
	Store store.Store
	Now   func() time.Time
}

func (r *Reconciler) now() time.Time { return nowOr(r.Now) }

// IngestDeliveryStatus applies a provider callback. Out-of-order, repeated
// and unknown callbacks are absorbed and reported through the Outcome.
func (r *Reconciler) IngestDeliveryStatus(ctx context.Context, provider, providerMessageID, rawStatus string) (Outcome, error) {
	return r.ingest(ctx, provider, providerMessageID, rawStatus, true)
}

// TryIngestDeliveryStatus is IngestDeliveryStatus for a caller that will
// offer an unmatched callback again later. OutcomeUnmatched is returned
// without being logged or counted; the final attempt goes through
// IngestDeliveryStatus.
func (r *Reconciler) TryIngestDeliveryStatus(ctx context.Context, provider, providerMessageID, rawStatus string) (Outcome, error) {
	return r.ingest(ctx, provider, providerMessageID, rawStatus, false)
}

func (r *Reconciler) ingest(ctx context.Context, provider, providerMessageID, rawStatus string, final bool) (Outcome, error) {
	provider = strings.TrimSpace(provider)
	providerMessageID = strings.TrimSpace(providerMessageID)
	if provider == "" || providerMessageID == "" {
		return "", domain.ErrMissingFields
	}
	log := slog.With("provider", provider, "provider_msg_id", providerMessageID, "status", rawStatus)

	next, ok := domain.MapProviderStatus(rawStatus)
	if !ok {
		log.Debug("delivery callback with unknown status ignored")
		return r.count(provider, OutcomeIgnored), nil
	}

	var outcome Outcome
	err := r.Store.InTx(ctx, func(q store.Queries) error {
		msg, found, err := q.LockByProviderMessageID(ctx, provider, providerMessageID)
		if err != nil {
			return err
		}
		if !found {
			outcome = OutcomeUnmatched
			return nil
		}
		log = log.With("message_id", msg.ID)
		outcome, err = r.apply(ctx, q, msg, transition{
			Status:   next,
			Provider: provider,
			Detail:   rawStatus,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	switch outcome {
	case OutcomeUnmatched:
		if !final {
			return outcome, nil
		}
		log.Info("delivery callback for unknown message")
	case OutcomeRejected:
		log.Debug("delivery callback rejected by rank guard")
	default:
		log.Info("delivery status applied", "delivery_status", string(next))
	}
	return r.count(provider, outcome), nil
}

// RecordSendResult attaches the provider's message id to an accepted send and
// moves the message to sent.
func (r *Reconciler) RecordSendResult(ctx context.Context, messageID, provider, providerMessageID string) (Outcome, error) {
	if messageID == "" || provider == "" || providerMessageID == "" {
		return "", domain.ErrMissingFields
	}
	return r.applyToMessage(ctx, messageID, transition{
		Status:            domain.StatusSent,
		Provider:          provider,
		ProviderMessageID: providerMessageID,
		Detail:            string(domain.StatusSent),
	})
}

// RecordSendFailure marks a send the provider refused or that was never
// attempted, with detail as the reason.
func (r *Reconciler) RecordSendFailure(ctx context.Context, messageID, provider, detail string) (Outcome, error) {
	if messageID == "" {
		return "", domain.ErrMissingFields
	}
	return r.applyToMessage(ctx, messageID, transition{
		Status:   domain.StatusFailed,
		Provider: provider,
		Detail:   detail,
	})
}

func (r *Reconciler) applyToMessage(ctx context.Context, messageID string, t transition) (Outcome, error) {
	var outcome Outcome
	err := r.Store.InTx(ctx, func(q store.Queries) error {
		msg, found, err := q.LockMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFound("message", messageID)
		}
		outcome, err = r.apply(ctx, q, msg, t)
		return err
	})
	if err != nil {
		return "", err
	}
	slog.Info("send outcome recorded", "message_id", messageID, "provider", t.Provider,
		"delivery_status", string(t.Status), "outcome", string(outcome))
	return r.count(t.Provider, outcome), nil
}

type transition struct {
	Status            domain.DeliveryStatus
	Provider          string
	ProviderMessageID string
	Detail            string
}

// apply runs the rank guard against the locked message and, when the move is
// forward, writes the status, one delivery event and the provider health.
func (r *Reconciler) apply(ctx context.Context, q store.Queries, msg store.Message, t transition) (Outcome, error) {
	now := r.now()

	if !domain.CanTransition(msg.DeliveryStatus, t.Status) {
		// keep the provider id even when the status itself is stale, so
		// later callbacks can still be matched
		if t.ProviderMessageID != "" && msg.ProviderMessageID == "" {
			err := q.UpdateDeliveryStatus(ctx, store.StatusUpdate{
				MessageID:         msg.ID,
				Status:            msg.DeliveryStatus,
				Provider:          t.Provider,
				ProviderMessageID: t.ProviderMessageID,
				Now:               now,
			})
			return OutcomeRejected, err
		}
		return OutcomeRejected, nil
	}

	u := store.StatusUpdate{
		MessageID:         msg.ID,
		Status:            t.Status,
		Provider:          t.Provider,
		ProviderMessageID: t.ProviderMessageID,
		Now:               now,
	}
	if t.Status == domain.StatusSent || t.Status == domain.StatusDelivered {
		u.SentAt = &now
	}
	if err := q.UpdateDeliveryStatus(ctx, u); err != nil {
		return "", err
	}

	provider := t.Provider
	if provider == "" {
		provider = msg.Provider
	}
	if err := q.InsertDeliveryEvent(ctx, store.DeliveryEvent{
		ID:         ids.NewEventID(),
		MessageID:  msg.ID,
		Status:     t.Status,
		Detail:     t.Detail,
		Provider:   provider,
		OccurredAt: now,
	}); err != nil {
		return "", err
	}

	if provider != "" {
		switch t.Status {
		case domain.StatusDelivered:
			if err := q.RecordProviderOutcome(ctx, store.HealthUpdate{Provider: provider, Success: true, At: now}); err != nil {
				return "", err
			}
		case domain.StatusFailed:
			if err := q.RecordProviderOutcome(ctx, store.HealthUpdate{Provider: provider, Failure: true, Detail: t.Detail, At: now}); err != nil {
				return "", err
			}
		}
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) count(provider string, o Outcome) Outcome {
	observability.DeliveryCallbacks.WithLabelValues(provider, string(o)).Inc()
	return o
}
