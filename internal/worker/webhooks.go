package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/observability"
	sqsqueue "msgpipe/internal/queue/sqs"
	"msgpipe/internal/service"
)

type StatusIngester interface {
	IngestDeliveryStatus(ctx context.Context, provider, providerMessageID, rawStatus string) (service.Outcome, error)
	TryIngestDeliveryStatus(ctx context.Context, provider, providerMessageID, rawStatus string) (service.Outcome, error)
}

type InboundRecorder interface {
	RecordInboundMessage(ctx context.Context, in service.InboundMessage) (service.InboundResult, error)
}

// ErrNotYetSent asks the queue to redeliver a status callback that arrived
// before the send result naming its provider id was stored.
var ErrNotYetSent = errors.New("no message for provider id yet")

// DefaultUnmatchedGrace is how long an unmatched status callback is retried.
const DefaultUnmatchedGrace = 2 * time.Minute

// WebhookProcessor applies queued provider callbacks.
type WebhookProcessor struct {
	Statuses StatusIngester
	Inbound  InboundRecorder

	UnmatchedGrace time.Duration
	Now            func() time.Time
}

// Process returns an error only for conditions a redelivery can fix.
// Malformed events are logged and dropped.
func (p *WebhookProcessor) Process(ctx context.Context, ev sqsqueue.WebhookEvent) error {
	var err error
	switch ev.Kind {
	case sqsqueue.WebhookStatus:
		err = p.status(ctx, ev)
	case sqsqueue.WebhookInbound:
		err = p.inbound(ctx, ev)
	default:
		err = domain.Validation("unknown webhook kind %q", ev.Kind)
	}

	if errors.Is(err, domain.ErrValidation) {
		observability.WebhookEvents.WithLabelValues(string(ev.Kind), "dropped").Inc()
		slog.Warn("webhook event dropped", "err", err, "kind", string(ev.Kind), "provider_msg_id", ev.ProviderMsgID)
		return nil
	}
	return err
}

func (p *WebhookProcessor) status(ctx context.Context, ev sqsqueue.WebhookEvent) error {
	ingest := p.Statuses.IngestDeliveryStatus
	retry := p.withinGrace(ev)
	if retry {
		ingest = p.Statuses.TryIngestDeliveryStatus
	}
	outcome, err := ingest(ctx, ev.Provider, ev.ProviderMsgID, ev.Status)
	if err != nil {
		return err
	}
	if outcome == service.OutcomeUnmatched && retry {
		return fmt.Errorf("%w: %s %s", ErrNotYetSent, ev.Provider, ev.ProviderMsgID)
	}
	if ev.ErrorCode != "" {
		slog.Info("delivery callback error code", "provider", ev.Provider, "provider_msg_id", ev.ProviderMsgID, "status", ev.Status, "error_code", ev.ErrorCode, "outcome", string(outcome))
	}
	return nil
}

func (p *WebhookProcessor) withinGrace(ev sqsqueue.WebhookEvent) bool {
	grace := p.UnmatchedGrace
	if grace == 0 {
		grace = DefaultUnmatchedGrace
	}
	if grace < 0 || ev.ReceivedAt.IsZero() {
		return false
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	return now.Sub(ev.ReceivedAt) < grace
}

func (p *WebhookProcessor) inbound(ctx context.Context, ev sqsqueue.WebhookEvent) error {
	channel, err := domain.ParseChannel(ev.Channel)
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if len(ev.Payload) > 0 {
		meta["providerPayload"] = ev.Payload
	}
	res, err := p.Inbound.RecordInboundMessage(ctx, service.InboundMessage{
		Channel:           channel,
		Body:              ev.Body,
		From:              ev.From,
		To:                ev.To,
		Provider:          ev.Provider,
		ProviderMessageID: ev.ProviderMsgID,
		MediaURLs:         ev.MediaURLs,
		Metadata:          meta,
	})
	if err != nil {
		return err
	}
	if res.Duplicate {
		slog.Info("inbound webhook redelivered", "provider_msg_id", ev.ProviderMsgID, "message_id", res.MessageID)
	}
	return nil
}
