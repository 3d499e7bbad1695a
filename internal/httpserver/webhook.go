package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"msgpipe/internal/domain"
	"msgpipe/internal/observability"
	"msgpipe/internal/providers/twilio"
	sqsqueue "msgpipe/internal/queue/sqs"
)

type EventQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

// Webhook accepts Twilio callbacks and hands them to the webhook-processor
// through a queue. It never touches the database.
type Webhook struct {
	Events    EventQueue
	AuthToken string
	// PublicURL is the scheme and host Twilio is configured with; the request
	// path is appended to it when checking signatures.
	PublicURL string
	Now       func() time.Time
}

const (
	StatusPath  = "/webhooks/twilio/status"
	InboundPath = "/webhooks/twilio/inbound"
)

func (w *Webhook) Register(m *mux.Router) {
	m.HandleFunc(StatusPath, w.handleTwilioStatus).Methods(http.MethodPost)
	m.HandleFunc(InboundPath, w.handleTwilioInbound).Methods(http.MethodPost)
}

func (w *Webhook) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// verified parses the form and checks X-Twilio-Signature. It writes the
// error response itself and reports whether the handler should continue.
func (w *Webhook) verified(rw http.ResponseWriter, r *http.Request, kind sqsqueue.WebhookKind) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return false
	}
	fullURL := strings.TrimRight(w.PublicURL, "/") + r.URL.RequestURI()
	if !twilio.VerifySignature(w.AuthToken, fullURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		observability.WebhookEvents.WithLabelValues(string(kind), "invalid_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return false
	}
	return true
}

func (w *Webhook) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r, sqsqueue.WebhookStatus) {
		return
	}
	cb, ok := twilio.ParseStatusCallback(r.PostForm)
	if !ok {
		observability.WebhookEvents.WithLabelValues(string(sqsqueue.WebhookStatus), "missing_fields").Inc()
		http.Error(rw, domain.ErrMissingFields.Error(), http.StatusBadRequest)
		return
	}

	ev := sqsqueue.WebhookEvent{
		Kind:          sqsqueue.WebhookStatus,
		Provider:      twilio.Provider,
		ProviderMsgID: cb.MessageSid,
		Status:        cb.MessageStatus,
		ErrorCode:     cb.ErrorCode,
		ReceivedAt:    w.now(),
	}
	if err := w.Events.Enqueue(r.Context(), ev); err != nil {
		// non-2xx makes Twilio retry the callback
		slog.Error("webhook enqueue failed", "err", err, "provider_msg_id", cb.MessageSid, "status", cb.MessageStatus)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.WebhookEvents.WithLabelValues(string(sqsqueue.WebhookStatus), statusLabel(cb.MessageStatus)).Inc()
	rw.WriteHeader(http.StatusOK)
}

// statusLabel keeps the metric's status label to the canonical set.
func statusLabel(raw string) string {
	if st, ok := domain.MapProviderStatus(raw); ok {
		return string(st)
	}
	return "unknown"
}

func (w *Webhook) handleTwilioInbound(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r, sqsqueue.WebhookInbound) {
		return
	}
	in, ok := twilio.ParseInbound(r.PostForm)
	if !ok {
		observability.WebhookEvents.WithLabelValues(string(sqsqueue.WebhookInbound), "missing_fields").Inc()
		http.Error(rw, domain.ErrMissingFields.Error(), http.StatusBadRequest)
		return
	}

	ev := sqsqueue.WebhookEvent{
		Kind:          sqsqueue.WebhookInbound,
		Provider:      twilio.Provider,
		ProviderMsgID: in.MessageSid,
		Channel:       string(domain.ChannelSMS),
		From:          in.From,
		To:            in.To,
		Body:          in.Body,
		MediaURLs:     in.MediaURLs,
		Payload:       r.PostForm,
		ReceivedAt:    w.now(),
	}
	if err := w.Events.Enqueue(r.Context(), ev); err != nil {
		slog.Error("webhook enqueue failed", "err", err, "provider_msg_id", in.MessageSid, "kind", "inbound")
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.WebhookEvents.WithLabelValues(string(sqsqueue.WebhookInbound), "received").Inc()

	// empty TwiML: no auto-reply
	rw.Header().Set("Content-Type", "text/xml")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}
