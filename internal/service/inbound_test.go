package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

func TestRecordInboundStopFromUnknownNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.msgs.RecordInboundMessage(ctx, InboundMessage{
		Channel:           domain.ChannelSMS,
		Body:              "STOP",
		From:              "+14045550100",
		To:                "+14045550999",
		Provider:          "twilio",
		ProviderMessageID: "SMin1",
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.NotEmpty(t, res.MessageID)

	contacts := f.mem.Contacts()
	require.Len(t, contacts, 1)
	require.Equal(t, "+14045550100", contacts[0].Phone)
	require.Equal(t, "sms", contacts[0].Source)

	threads := f.mem.Threads()
	require.Len(t, threads, 1)
	require.Equal(t, domain.ChannelSMS, threads[0].Channel)
	require.Equal(t, domain.ThreadOpen, threads[0].Status)
	require.Equal(t, "STOP", threads[0].LastMessagePreview)

	msgs := f.mem.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, domain.DirectionInbound, msgs[0].Direction)
	require.NotNil(t, msgs[0].ReceivedAt)
	require.Equal(t, store.Addresses{From: "+14045550100", To: "+14045550999"}, msgs[0].Addresses)

	contactPart, ok, err := f.mem.FindParticipant(ctx, threads[0].ID, domain.ParticipantContact)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, contactPart.ID, msgs[0].ParticipantID)

	consent, ok, err := f.mem.GetConsent(ctx, contacts[0].ID, domain.ChannelSMS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.ConsentOptedOut, consent)
}

func TestRecordInboundStartOptsBackIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.contact("ctc_1", "+14045550100", "")

	for _, body := range []string{"stop", " Start "} {
		_, err := f.msgs.RecordInboundMessage(ctx, InboundMessage{Channel: domain.ChannelSMS, Body: body, From: "+14045550100", Provider: "twilio"})
		require.NoError(t, err)
	}
	consent, ok, err := f.mem.GetConsent(ctx, "ctc_1", domain.ChannelSMS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.ConsentOptedIn, consent)
}

func TestRecordInboundDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in := InboundMessage{
		Channel:           domain.ChannelSMS,
		Body:              "Can we move to 4?",
		From:              "4045550100",
		Provider:          "twilio",
		ProviderMessageID: "SMin2",
	}
	first, err := f.msgs.RecordInboundMessage(ctx, in)
	require.NoError(t, err)
	second, err := f.msgs.RecordInboundMessage(ctx, in)
	require.NoError(t, err)

	require.True(t, second.Duplicate)
	require.Equal(t, first.MessageID, second.MessageID)
	require.Len(t, f.mem.Messages(), 1)
	require.Len(t, f.mem.Contacts(), 1)
}

// staleDuplicateCheck misses the first provider id lookup, as a concurrent
// delivery that read before the other one committed would.
type staleDuplicateCheck struct {
	store.Store
	misses int
}

func (s *staleDuplicateCheck) FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (store.Message, bool, error) {
	if s.misses > 0 {
		s.misses--
		return store.Message{}, false, nil
	}
	return s.Store.FindByProviderMessageID(ctx, provider, providerMessageID)
}

func TestRecordInboundLosingRedeliveryLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// a dm sender with no hints always gets a fresh contact, so only the
	// provider id ties the two deliveries together
	in := InboundMessage{
		Channel:           domain.ChannelDM,
		Body:              "is this still available?",
		From:              "ig:1789",
		Provider:          "instagram",
		ProviderMessageID: "mid.1",
	}
	first, err := f.msgs.RecordInboundMessage(ctx, in)
	require.NoError(t, err)

	late := &Messaging{Store: &staleDuplicateCheck{Store: f.mem, misses: 1}, Threads: f.threads, Outbox: f.queue, Now: f.clock.Now}
	second, err := late.RecordInboundMessage(ctx, in)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.MessageID, second.MessageID)

	require.Len(t, f.mem.Messages(), 1)
	require.Len(t, f.mem.Contacts(), 1)
	require.Len(t, f.mem.Threads(), 1)
}

func TestRecordInboundMatchesExistingContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.contact("ctc_1", "+14045550100", "dana@example.com")

	res, err := f.msgs.RecordInboundMessage(ctx, InboundMessage{Channel: domain.ChannelSMS, Body: "hi", From: "(404) 555-0100", Provider: "twilio", ProviderMessageID: "SM3"})
	require.NoError(t, err)
	require.Equal(t, "ctc_1", res.ContactID)

	res, err = f.msgs.RecordInboundMessage(ctx, InboundMessage{Channel: domain.ChannelEmail, Body: "hello", From: "DANA@Example.com ", Provider: "postmark", ProviderMessageID: "pm-1"})
	require.NoError(t, err)
	require.Equal(t, "ctc_1", res.ContactID)
	require.Len(t, f.mem.Contacts(), 1)
	require.Len(t, f.mem.Threads(), 2)
}

func TestRecordInboundUsesContactHint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.contact("ctc_1", "", "")

	res, err := f.msgs.RecordInboundMessage(ctx, InboundMessage{
		Channel: domain.ChannelDM,
		Body:    "hey",
		From:    "@dana",
		Hints:   Hints{ContactID: "ctc_1"},
	})
	require.NoError(t, err)
	require.Equal(t, "ctc_1", res.ContactID)
	require.Equal(t, "@dana", f.mem.Messages()[0].Addresses.From)
}

func TestRecordInboundCreatesContactFromHints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.msgs.RecordInboundMessage(ctx, InboundMessage{
		Channel: domain.ChannelWeb,
		Body:    "Quote request",
		From:    "web-form",
		Hints:   Hints{FirstName: "Sam", Email: "Sam@Example.com"},
	})
	require.NoError(t, err)

	c, ok, err := f.mem.GetContact(ctx, res.ContactID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Sam", c.FirstName)
	require.Equal(t, "sam@example.com", c.Email)
	require.Equal(t, "web", c.Source)
}

func TestRecordInboundAddressErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.msgs.RecordInboundMessage(ctx, InboundMessage{Channel: domain.ChannelSMS, Body: "hi", From: "  "})
	require.ErrorIs(t, err, domain.ErrMissingFrom)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.msgs.RecordInboundMessage(ctx, InboundMessage{Channel: domain.ChannelSMS, Body: "hi", From: "not-a-number"})
	require.ErrorIs(t, err, domain.ErrInvalidAddress)

	require.Empty(t, f.mem.Contacts())
	require.Empty(t, f.mem.Messages())
}
