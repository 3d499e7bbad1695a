package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/ids"
	"msgpipe/internal/store"
	"msgpipe/internal/util"
)

const systemDisplayName = "System"

// Threads resolves the conversation context for a (contact, channel) pair.
type Threads struct {
	Store store.Store
	Now   func() time.Time
}

func (s *Threads) now() time.Time { return nowOr(s.Now) }

// EnsureThread returns the current thread for (contactID, channel), creating
// it with a contact participant when none exists.
func (s *Threads) EnsureThread(ctx context.Context, contactID string, channel domain.Channel) (string, error) {
	if contactID == "" {
		return "", domain.ErrMissingFields
	}
	if !channel.IsValid() {
		return "", domain.Validation("unknown channel %q", channel)
	}

	// 1) current thread
	if t, found, err := s.Store.FindCurrentThread(ctx, contactID, channel); err != nil {
		return "", err
	} else if found {
		return t.ID, nil
	}

	// 2) create
	id, err := s.createThread(ctx, contactID, channel)
	if errors.Is(err, store.ErrConflict) {
		// lost the first-contact race; the winner's thread is now current
		t, found, lerr := s.Store.FindCurrentThread(ctx, contactID, channel)
		if lerr != nil {
			return "", lerr
		}
		if found {
			return t.ID, nil
		}
	}
	return id, err
}

func (s *Threads) createThread(ctx context.Context, contactID string, channel domain.Channel) (string, error) {
	var id string
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		var err error
		id, err = insertThread(ctx, q, contactID, channel, s.now())
		return err
	})
	if err != nil {
		return "", err
	}
	slog.Info("thread created", "thread_id", id, "contact_id", contactID, "channel", string(channel))
	return id, nil
}

// insertThread opens a thread for the contact with its contact participant.
func insertThread(ctx context.Context, q store.Queries, contactID string, channel domain.Channel, now time.Time) (string, error) {
	contact, found, err := q.GetContact(ctx, contactID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.NotFound("contact", contactID)
	}

	thread := store.Thread{
		ID:        ids.NewThreadID(),
		ContactID: contactID,
		Channel:   channel,
		Status:    domain.ThreadOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if leadID, ok, err := q.LatestLeadForContact(ctx, contactID); err != nil {
		slog.Debug("lead lookup failed", "contact_id", contactID, "err", err)
	} else if ok {
		thread.LeadID = leadID
	}

	if err := q.InsertThread(ctx, thread); err != nil {
		return "", err
	}
	err = q.InsertParticipant(ctx, store.Participant{
		ID:              ids.NewParticipantID(),
		ThreadID:        thread.ID,
		Type:            domain.ParticipantContact,
		ContactID:       contact.ID,
		DisplayName:     contact.DisplayName(),
		ExternalAddress: contactAddress(contact, channel),
		CreatedAt:       now,
	})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

// EnsureSystemParticipant returns the thread's system participant, creating it
// on first use.
func (s *Threads) EnsureSystemParticipant(ctx context.Context, threadID string) (string, error) {
	var id string
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		var err error
		id, err = ensureSystemParticipant(ctx, q, threadID, s.now())
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		p, found, lerr := s.Store.FindParticipant(ctx, threadID, domain.ParticipantSystem)
		if lerr != nil {
			return "", lerr
		}
		if found {
			return p.ID, nil
		}
	}
	return id, err
}

func ensureSystemParticipant(ctx context.Context, q store.Queries, threadID string, now time.Time) (string, error) {
	if p, found, err := q.FindParticipant(ctx, threadID, domain.ParticipantSystem); err != nil {
		return "", err
	} else if found {
		return p.ID, nil
	}
	if _, found, err := q.GetThread(ctx, threadID); err != nil {
		return "", err
	} else if !found {
		return "", domain.NotFound("thread", threadID)
	}

	p := store.Participant{
		ID:          ids.NewParticipantID(),
		ThreadID:    threadID,
		Type:        domain.ParticipantSystem,
		DisplayName: systemDisplayName,
		CreatedAt:   now,
	}
	if err := q.InsertParticipant(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// contactAddress is the address a new thread starts with on channel.
func contactAddress(c store.Contact, channel domain.Channel) string {
	switch channel {
	case domain.ChannelEmail:
		return util.NormalizeEmail(c.Email)
	case domain.ChannelDM:
		return ""
	default:
		return util.PhoneOrRaw(c.Phone)
	}
}

func nowOr(f func() time.Time) time.Time {
	if f != nil {
		return f().UTC()
	}
	return util.NowUTC()
}
