package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
	"msgpipe/internal/outbox"
	"msgpipe/internal/store"
	"msgpipe/internal/store/storetest"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	mem     *storetest.Memory
	clock   *clock
	queue   *outbox.Queue
	threads *Threads
	msgs    *Messaging
	rec     *Reconciler
	health  *Health
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storetest.New()
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	q := outbox.New(mem)
	q.Now = c.Now
	threads := &Threads{Store: mem, Now: c.Now}
	return &fixture{
		mem:     mem,
		clock:   c,
		queue:   q,
		threads: threads,
		msgs:    &Messaging{Store: mem, Threads: threads, Outbox: q, Now: c.Now},
		rec:     &Reconciler{Store: mem, Now: c.Now},
		health:  &Health{Store: mem},
	}
}

func (f *fixture) contact(id, phone, email string) store.Contact {
	c := store.Contact{ID: id, FirstName: "Dana", LastName: "Reyes", Phone: phone, Email: email, CreatedAt: f.clock.Now()}
	f.mem.AddContact(c)
	return c
}

// queuedMessage queues an outbound message through the normal path and
// attaches the provider's id to it without reporting any status, as the
// provider accepting the send before its first callback would.
func (f *fixture) queuedMessage(t *testing.T, provider, pmid string) string {
	t.Helper()
	ctx := context.Background()
	f.contact("ctc_seed", "+14045550199", "")
	id, err := f.msgs.QueueOutboundMessage(ctx, "ctc_seed", domain.ChannelSMS, "hello", OutboundOptions{})
	require.NoError(t, err)
	require.NoError(t, f.mem.UpdateDeliveryStatus(ctx, store.StatusUpdate{
		MessageID:         id,
		Status:            domain.StatusQueued,
		Provider:          provider,
		ProviderMessageID: pmid,
		Now:               f.clock.Now(),
	}))
	return id
}
