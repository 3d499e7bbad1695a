package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/ids"
	"msgpipe/internal/observability"
	"msgpipe/internal/outbox"
	"msgpipe/internal/store"
	"msgpipe/internal/util"
)

type OutboundOptions struct {
	// ToAddress overrides the address derived from the contact.
	ToAddress     string
	Subject       string
	MediaURLs     []string
	Metadata      map[string]any
	DedupeKey     string
	NextAttemptAt *time.Time
}

// Messaging records outbound and inbound messages on their threads.
type Messaging struct {
	Store   store.Store
	Threads *Threads
	Outbox  *outbox.Queue
	Now     func() time.Time
}

func NewMessaging(s store.Store, q *outbox.Queue) *Messaging {
	return &Messaging{Store: s, Threads: &Threads{Store: s}, Outbox: q}
}

func (m *Messaging) now() time.Time { return nowOr(m.Now) }

// QueueOutboundMessage records a queued outbound message and its message.send
// task in one transaction. Repeating a call with the same DedupeKey returns
// the first message id without writing. An unknown contact returns "" and no
// error: system notifications are best-effort.
func (m *Messaging) QueueOutboundMessage(ctx context.Context, contactID string, channel domain.Channel, body string, opts OutboundOptions) (string, error) {
	if !channel.IsValid() {
		return "", domain.Validation("unknown channel %q", channel)
	}
	if strings.TrimSpace(body) == "" {
		return "", domain.Validation("body is required")
	}
	if contactID == "" {
		return "", domain.ErrMissingFields
	}

	contact, found, err := m.Store.GetContact(ctx, contactID)
	if err != nil {
		return "", err
	}
	if !found {
		slog.Warn("outbound message skipped, contact not found", "contact_id", contactID, "channel", string(channel))
		observability.OutboundMessages.WithLabelValues(string(channel), "no_contact").Inc()
		return "", nil
	}

	threadID, err := m.Threads.EnsureThread(ctx, contactID, channel)
	if errors.Is(err, domain.ErrNotFound) {
		observability.OutboundMessages.WithLabelValues(string(channel), "no_contact").Inc()
		return "", nil
	}
	if err != nil {
		return "", err
	}

	// 1) dedupe
	if opts.DedupeKey != "" {
		if existing, found, err := m.Store.FindOutboundByDedupeKey(ctx, threadID, opts.DedupeKey); err != nil {
			return "", err
		} else if found {
			observability.OutboundMessages.WithLabelValues(string(channel), "duplicate").Inc()
			return existing.ID, nil
		}
	}

	to := strings.TrimSpace(opts.ToAddress)
	if to == "" {
		to = contactAddress(contact, channel)
	} else if channel.IsPhone() {
		to = util.PhoneOrRaw(to)
	}

	now := m.now()
	msg := store.Message{
		ID:             ids.NewMessageID(),
		ThreadID:       threadID,
		Direction:      domain.DirectionOutbound,
		Channel:        channel,
		Body:           body,
		Subject:        opts.Subject,
		MediaURLs:      opts.MediaURLs,
		Addresses:      store.Addresses{To: to},
		DeliveryStatus: domain.StatusQueued,
		Metadata:       systemMetadata(opts.Metadata, opts.DedupeKey),
		CreatedAt:      now,
	}

	// 2) message + thread bump + task, atomically
	write := func(q store.Queries) error {
		pid, err := ensureSystemParticipant(ctx, q, threadID, now)
		if err != nil {
			return err
		}
		msg.ParticipantID = pid

		if err := q.InsertMessage(ctx, msg); err != nil {
			return err
		}
		// creation is the first accepted transition and gets its event row
		if err := q.InsertDeliveryEvent(ctx, store.DeliveryEvent{
			ID:         ids.NewEventID(),
			MessageID:  msg.ID,
			Status:     domain.StatusQueued,
			Detail:     string(domain.StatusQueued),
			OccurredAt: now,
		}); err != nil {
			return err
		}
		if err := q.BumpThread(ctx, store.ThreadBump{ThreadID: threadID, Preview: domain.Preview(body), At: now}); err != nil {
			return err
		}
		_, err = m.Outbox.EnqueueIn(ctx, q, domain.SendMessageTask{MessageID: msg.ID, Channel: channel, To: to}, opts.NextAttemptAt)
		return err
	}
	err = m.Store.InTx(ctx, write)
	if errors.Is(err, store.ErrConflict) {
		// a concurrent writer won either the dedupe key or the thread's
		// system participant; both are visible now
		if opts.DedupeKey != "" {
			if existing, found, lerr := m.Store.FindOutboundByDedupeKey(ctx, threadID, opts.DedupeKey); lerr == nil && found {
				observability.OutboundMessages.WithLabelValues(string(channel), "duplicate").Inc()
				return existing.ID, nil
			}
		}
		err = m.Store.InTx(ctx, write)
	}
	if err != nil {
		observability.OutboundMessages.WithLabelValues(string(channel), "error").Inc()
		return "", fmt.Errorf("queue outbound message: %w", err)
	}

	observability.OutboundMessages.WithLabelValues(string(channel), "queued").Inc()
	slog.Info("outbound message queued", "message_id", msg.ID, "thread_id", threadID, "channel", string(channel))
	return msg.ID, nil
}

// ScheduleReminder arranges for task to fire at at. Scheduling the same
// reminder again moves it instead of adding a second one.
func (m *Messaging) ScheduleReminder(ctx context.Context, task domain.ReminderTask, at *time.Time) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	return m.Outbox.Schedule(ctx, task, at)
}

// FireReminder sends a due reminder. The body may use {firstName} and
// {lastName}. The dedupe key makes redelivered reminder tasks send once.
func (m *Messaging) FireReminder(ctx context.Context, task domain.ReminderTask) (string, error) {
	body := task.Body
	c, found, err := m.Store.GetContact(ctx, task.ContactID)
	if err != nil {
		return "", err
	}
	if found {
		body = util.RenderTemplate(body, map[string]string{"firstName": c.FirstName, "lastName": c.LastName})
	}
	return m.QueueOutboundMessage(ctx, task.ContactID, task.Channel, body, OutboundOptions{
		DedupeKey: "reminder:" + task.TaskID,
		Metadata:  map[string]any{"reminderTaskId": task.TaskID},
	})
}

type MessageView struct {
	Message store.Message
	Events  []store.DeliveryEvent
}

// GetMessage returns a message with its delivery history.
func (m *Messaging) GetMessage(ctx context.Context, id string) (MessageView, error) {
	msg, found, err := m.Store.GetMessage(ctx, id)
	if err != nil {
		return MessageView{}, err
	}
	if !found {
		return MessageView{}, domain.NotFound("message", id)
	}
	events, err := m.Store.ListDeliveryEvents(ctx, id)
	if err != nil {
		return MessageView{}, err
	}
	return MessageView{Message: msg, Events: events}, nil
}

func systemMetadata(in map[string]any, dedupeKey string) map[string]any {
	out := make(map[string]any, len(in)+3)
	maps.Copy(out, in)
	out[domain.MetaSystem] = true
	out[domain.MetaAutomation] = true
	if dedupeKey != "" {
		out[domain.MetaDedupeKey] = dedupeKey
	}
	return out
}
