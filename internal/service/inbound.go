package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/ids"
	"msgpipe/internal/observability"
	"msgpipe/internal/store"
	"msgpipe/internal/util"
)

// Hints help match or create the sender's contact.
type Hints struct {
	ContactID string
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

type InboundMessage struct {
	Channel           domain.Channel
	Body              string
	From              string
	To                string
	Provider          string
	ProviderMessageID string
	MediaURLs         []string
	Hints             Hints
	Metadata          map[string]any
}

type InboundResult struct {
	Duplicate bool
	MessageID string
	ThreadID  string
	ContactID string
}

var (
	optOutKeywords = map[string]bool{"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true}
	optInKeywords  = map[string]bool{"START": true, "UNSTOP": true}
)

// RecordInboundMessage stores a message received from a provider. A message
// already stored under (Provider, ProviderMessageID) is reported as a
// duplicate and nothing is written.
func (m *Messaging) RecordInboundMessage(ctx context.Context, in InboundMessage) (InboundResult, error) {
	if !in.Channel.IsValid() {
		return InboundResult{}, domain.Validation("unknown channel %q", in.Channel)
	}

	// 1) redelivery
	if in.ProviderMessageID != "" {
		if existing, found, err := m.Store.FindByProviderMessageID(ctx, in.Provider, in.ProviderMessageID); err != nil {
			return InboundResult{}, err
		} else if found {
			observability.InboundMessages.WithLabelValues(string(in.Channel), "duplicate").Inc()
			return InboundResult{Duplicate: true, MessageID: existing.ID, ThreadID: existing.ThreadID}, nil
		}
	}

	// 2) sender
	from, err := normalizeAddress(in.Channel, in.From)
	if err != nil {
		observability.InboundMessages.WithLabelValues(string(in.Channel), "invalid").Inc()
		return InboundResult{}, err
	}
	to := strings.TrimSpace(in.To)
	if in.Channel.IsPhone() {
		to = util.PhoneOrRaw(to)
	}

	// 3) contact, thread and message commit together, so a concurrent
	// delivery that loses on the provider id leaves nothing behind
	now := m.now()
	msg := store.Message{
		ID:                ids.NewMessageID(),
		Direction:         domain.DirectionInbound,
		Channel:           in.Channel,
		Body:              in.Body,
		MediaURLs:         in.MediaURLs,
		Addresses:         store.Addresses{From: from, To: to},
		Provider:          in.Provider,
		ProviderMessageID: in.ProviderMessageID,
		Metadata:          in.Metadata,
		CreatedAt:         now,
		ReceivedAt:        &now,
	}
	var contactID string
	var created inboundCreated
	record := func(q store.Queries) error {
		created = inboundCreated{}
		var err error
		contactID, created.contact, err = resolveContact(ctx, q, in.Channel, from, in.Hints, now)
		if err != nil {
			return err
		}
		if t, found, err := q.FindCurrentThread(ctx, contactID, in.Channel); err != nil {
			return err
		} else if found {
			msg.ThreadID = t.ID
		} else {
			if msg.ThreadID, err = insertThread(ctx, q, contactID, in.Channel, now); err != nil {
				return err
			}
			created.thread = true
		}

		msg.ParticipantID = ""
		if p, found, err := q.FindParticipant(ctx, msg.ThreadID, domain.ParticipantContact); err != nil {
			return err
		} else if found {
			msg.ParticipantID = p.ID
		}
		if err := q.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if err := q.BumpThread(ctx, store.ThreadBump{ThreadID: msg.ThreadID, Preview: domain.Preview(in.Body), At: now}); err != nil {
			return err
		}
		if in.Channel == domain.ChannelSMS {
			return applyConsentKeyword(ctx, q, contactID, in.Body, now)
		}
		return nil
	}
	err = m.Store.InTx(ctx, record)
	if errors.Is(err, store.ErrConflict) {
		// a concurrent delivery of the same webhook committed first
		if in.ProviderMessageID != "" {
			if existing, found, lerr := m.Store.FindByProviderMessageID(ctx, in.Provider, in.ProviderMessageID); lerr == nil && found {
				observability.InboundMessages.WithLabelValues(string(in.Channel), "duplicate").Inc()
				return InboundResult{Duplicate: true, MessageID: existing.ID, ThreadID: existing.ThreadID}, nil
			}
		}
		// or another message from the same sender opened the thread first
		err = m.Store.InTx(ctx, record)
	}
	if err != nil {
		observability.InboundMessages.WithLabelValues(string(in.Channel), "error").Inc()
		return InboundResult{}, fmt.Errorf("record inbound message: %w", err)
	}
	if created.contact {
		slog.Info("contact created from inbound message", "contact_id", contactID, "channel", string(in.Channel))
	}
	if created.thread {
		slog.Info("thread created", "thread_id", msg.ThreadID, "contact_id", contactID, "channel", string(in.Channel))
	}

	observability.InboundMessages.WithLabelValues(string(in.Channel), "recorded").Inc()
	slog.Info("inbound message recorded",
		"message_id", msg.ID, "thread_id", msg.ThreadID, "contact_id", contactID,
		"provider", in.Provider, "provider_msg_id", in.ProviderMessageID,
	)
	return InboundResult{MessageID: msg.ID, ThreadID: msg.ThreadID, ContactID: contactID}, nil
}

// normalizeAddress returns the canonical sender address for channel.
func normalizeAddress(channel domain.Channel, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.ErrMissingFrom
	}
	switch {
	case channel.IsPhone():
		e164, ok := util.NormalizePhone(raw)
		if !ok {
			return "", fmt.Errorf("%w: %q", domain.ErrInvalidAddress, raw)
		}
		return e164, nil
	case channel == domain.ChannelEmail:
		return util.NormalizeEmail(raw), nil
	default:
		return raw, nil
	}
}

type inboundCreated struct {
	contact bool
	thread  bool
}

// resolveContact finds the sender by hint id or address, creating a minimal
// contact when nothing matches.
func resolveContact(ctx context.Context, q store.Queries, channel domain.Channel, from string, h Hints, now time.Time) (id string, created bool, err error) {
	if h.ContactID != "" {
		if c, found, err := q.GetContact(ctx, h.ContactID); err != nil {
			return "", false, err
		} else if found {
			return c.ID, false, nil
		}
	}

	phone, email := util.PhoneOrRaw(h.Phone), util.NormalizeEmail(h.Email)
	switch {
	case channel.IsPhone():
		phone = from
	case channel == domain.ChannelEmail:
		email = from
	}

	if phone != "" {
		if c, found, err := q.FindContactByPhone(ctx, phone); err != nil {
			return "", false, err
		} else if found {
			return c.ID, false, nil
		}
	}
	if email != "" {
		if c, found, err := q.FindContactByEmail(ctx, email); err != nil {
			return "", false, err
		} else if found {
			return c.ID, false, nil
		}
	}

	c := store.Contact{
		ID:        ids.NewContactID(),
		FirstName: strings.TrimSpace(h.FirstName),
		LastName:  strings.TrimSpace(h.LastName),
		Email:     email,
		Phone:     phone,
		Source:    string(channel),
		CreatedAt: now,
	}
	if err := q.InsertContact(ctx, c); err != nil {
		return "", false, fmt.Errorf("create contact: %w", err)
	}
	return c.ID, true, nil
}

func applyConsentKeyword(ctx context.Context, q store.Queries, contactID, body string, now time.Time) error {
	word := strings.ToUpper(strings.TrimSpace(body))
	switch {
	case optOutKeywords[word]:
		slog.Info("sms opt-out received", "contact_id", contactID)
		return q.SetConsent(ctx, contactID, domain.ChannelSMS, store.ConsentOptedOut, now)
	case optInKeywords[word]:
		slog.Info("sms opt-in received", "contact_id", contactID)
		return q.SetConsent(ctx, contactID, domain.ChannelSMS, store.ConsentOptedIn, now)
	}
	return nil
}
