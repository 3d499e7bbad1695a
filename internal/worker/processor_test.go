package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
	"msgpipe/internal/outbox"
	"msgpipe/internal/providers/twilio"
	sqsqueue "msgpipe/internal/queue/sqs"
	"msgpipe/internal/service"
	"msgpipe/internal/store"
	"msgpipe/internal/store/storetest"
)

type fakeSender struct {
	calls   []twilio.SendRequest
	results []sendOutcome
}

type sendOutcome struct {
	sid    string
	status int
	err    error
}

func (f *fakeSender) SendSMS(_ context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error) {
	f.calls = append(f.calls, req)
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return twilio.SendResponse{Sid: r.sid}, r.status, nil, r.err
}

type env struct {
	mem    *storetest.Memory
	msgs   *service.Messaging
	sender *fakeSender
	proc   *Processor
}

func newEnv(t *testing.T, results ...sendOutcome) *env {
	t.Helper()
	mem := storetest.New()
	mem.AddContact(store.Contact{ID: "ctc_1", Phone: "+14045550100", CreatedAt: time.Now()})
	sender := &fakeSender{results: results}
	return &env{
		mem:    mem,
		msgs:   service.NewMessaging(mem, outbox.New(mem)),
		sender: sender,
		proc: &Processor{
			Store:    mem,
			Recorder: &service.Reconciler{Store: mem},
			Sender:   sender,
			Sleep:    func(time.Duration) {},
		},
	}
}

func (e *env) queue(t *testing.T, channel domain.Channel) string {
	t.Helper()
	id, err := e.msgs.QueueOutboundMessage(context.Background(), "ctc_1", channel, "Your table is ready", service.OutboundOptions{})
	require.NoError(t, err)
	return id
}

func (e *env) message(t *testing.T, id string) store.Message {
	t.Helper()
	m, ok, err := e.mem.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return m
}

func TestProcessSendsAndRecordsSid(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, sendOutcome{sid: "SM1", status: http.StatusCreated})
	id := e.queue(t, domain.ChannelSMS)

	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id, Channel: domain.ChannelSMS}))
	require.Len(t, e.sender.calls, 1)
	require.Equal(t, "+14045550100", e.sender.calls[0].To)

	m := e.message(t, id)
	require.Equal(t, domain.StatusSent, m.DeliveryStatus)
	require.Equal(t, "SM1", m.ProviderMessageID)
	require.Equal(t, twilio.Provider, m.Provider)

	// redelivered job is a no-op
	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id}))
	require.Len(t, e.sender.calls, 1)
}

func TestProcessSuppressesOptedOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, sendOutcome{sid: "SM1", status: http.StatusCreated})
	id := e.queue(t, domain.ChannelSMS)
	require.NoError(t, e.mem.SetConsent(ctx, "ctc_1", domain.ChannelSMS, store.ConsentOptedOut, time.Now()))

	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id}))
	require.Empty(t, e.sender.calls)

	m := e.message(t, id)
	require.Equal(t, domain.StatusFailed, m.DeliveryStatus)
	events, _ := e.mem.ListDeliveryEvents(ctx, id)
	require.Len(t, events, 2)
	require.Equal(t, "opted_out", events[1].Detail)

	_, found, _ := e.mem.GetProviderHealth(ctx, twilio.Provider)
	require.False(t, found, "suppression is not a provider failure")
}

func TestProcessNonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, sendOutcome{status: http.StatusBadRequest, err: &twilio.APIError{HTTPStatus: 400, Code: 21211, Message: "Invalid To"}})
	id := e.queue(t, domain.ChannelSMS)

	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id}))
	require.Len(t, e.sender.calls, 1)

	m := e.message(t, id)
	require.Equal(t, domain.StatusFailed, m.DeliveryStatus)
	h, found, _ := e.mem.GetProviderHealth(ctx, twilio.Provider)
	require.True(t, found)
	require.Equal(t, "21211", h.LastFailureDetail)
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t,
		sendOutcome{status: http.StatusServiceUnavailable, err: errors.New("unavailable")},
		sendOutcome{sid: "SM2", status: http.StatusCreated},
	)
	id := e.queue(t, domain.ChannelSMS)

	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id}))
	require.Len(t, e.sender.calls, 2)
	require.Equal(t, "SM2", e.message(t, id).ProviderMessageID)
}

func TestProcessGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, sendOutcome{status: http.StatusBadGateway, err: errors.New("bad gateway")})
	id := e.queue(t, domain.ChannelSMS)

	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id}))
	require.Len(t, e.sender.calls, maxSendAttempts)
	require.Equal(t, domain.StatusFailed, e.message(t, id).DeliveryStatus)
}

func TestProcessOpenBreakerLeavesMessageQueued(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, sendOutcome{status: http.StatusBadGateway, err: errors.New("bad gateway")})
	e.proc.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "test",
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		Timeout:     time.Hour,
	})
	id := e.queue(t, domain.ChannelSMS)

	err := e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, domain.StatusQueued, e.message(t, id).DeliveryStatus)
}

func TestProcessUnsupportedChannelAndUnknownMessage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, sendOutcome{sid: "SM1", status: http.StatusCreated})
	e.mem.AddContact(store.Contact{ID: "ctc_1", Phone: "+14045550100", Email: "dana@example.com", CreatedAt: time.Now()})
	id := e.queue(t, domain.ChannelEmail)

	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: id}))
	require.Equal(t, domain.StatusFailed, e.message(t, id).DeliveryStatus)

	require.NoError(t, e.proc.Process(ctx, sqsqueue.SendJob{MessageID: "msg_missing"}))
	require.Empty(t, e.sender.calls)
}

func TestBreakerIgnoresPerMessageRejections(t *testing.T) {
	cb := NewBreaker("twilio")
	p := &Processor{Breaker: cb, Sender: &fakeSender{results: []sendOutcome{{status: http.StatusBadRequest, err: errors.New("invalid")}}}}
	for i := 0; i < 10; i++ {
		_, err := p.executeWithBreaker(context.Background(), twilio.SendRequest{To: "+1"})
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateClosed, cb.State())
}
