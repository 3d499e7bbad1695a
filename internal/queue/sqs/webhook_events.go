package sqsqueue

import (
	"context"
	"time"
)

type WebhookKind string

const (
	WebhookStatus  WebhookKind = "status"
	WebhookInbound WebhookKind = "inbound"
)

// WebhookEvent is an internal envelope for provider callbacks.
// Keep it small; SQS has a 256KB message size limit.
type WebhookEvent struct {
	Kind          WebhookKind `json:"kind"`
	Provider      string      `json:"provider"`
	ProviderMsgID string      `json:"providerMsgId"`

	// status callbacks
	Status    string `json:"status,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`

	// inbound messages
	Channel   string   `json:"channel,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Body      string   `json:"body,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`

	Payload    map[string][]string `json:"payload,omitempty"`
	ReceivedAt time.Time           `json:"receivedAt"`
}

type WebhookProducer struct {
	Producer
}

func (p *WebhookProducer) Enqueue(ctx context.Context, ev WebhookEvent) error {
	// providers retry the same callback; FIFO dedupe collapses those within 5 minutes
	dedupe := string(ev.Kind) + ":" + ev.ProviderMsgID + ":" + ev.Status
	return p.SendJSON(ctx, ev, ev.Provider+":"+ev.ProviderMsgID, dedupe)
}

type WebhookHandler func(ctx context.Context, ev WebhookEvent) error
