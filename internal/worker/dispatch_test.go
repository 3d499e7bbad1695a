package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
	"msgpipe/internal/outbox"
	"msgpipe/internal/queue/broker"
	sqsqueue "msgpipe/internal/queue/sqs"
)

type fakeSends struct {
	jobs []sqsqueue.SendJob
	err  error
}

func (f *fakeSends) EnqueueSend(_ context.Context, job sqsqueue.SendJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeSink struct{ events []broker.SyncEvent }

func (f *fakeSink) Publish(_ context.Context, ev broker.SyncEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func newDrainer(e *env, sends *fakeSends, sink *fakeSink) *outbox.Drainer {
	d := &Dispatch{Sends: sends, Reminders: e.msgs, Sync: sink}
	return &outbox.Drainer{Queue: e.msgs.Outbox, Handlers: d.Registry(), BatchSize: 10, Lease: time.Minute}
}

func TestDrainQueuedMessageThroughWorker(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, sendOutcome{sid: "SM9", status: 201})
	sends := &fakeSends{}
	id := e.queue(t, domain.ChannelSMS)

	res, err := newDrainer(e, sends, &fakeSink{}).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Len(t, sends.jobs, 1)
	job := sends.jobs[0]
	require.Equal(t, id, job.MessageID)
	require.Equal(t, "+14045550100", job.To)
	require.NotEmpty(t, job.TaskID)

	require.NoError(t, e.proc.Process(ctx, job))
	require.Equal(t, domain.StatusSent, e.message(t, id).DeliveryStatus)
}

func TestDrainReminderQueuesOneMessage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sends := &fakeSends{}
	reminder := domain.ReminderTask{TaskID: "T1", ContactID: "ctc_1", Channel: domain.ChannelSMS, Body: "See you at 7"}
	_, err := e.msgs.ScheduleReminder(ctx, reminder, nil)
	require.NoError(t, err)

	d := newDrainer(e, sends, &fakeSink{})
	res, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Len(t, e.mem.Messages(), 1)

	// a redelivered reminder hits the dedupe key
	_, err = e.msgs.FireReminder(ctx, reminder)
	require.NoError(t, err)
	require.Len(t, e.mem.Messages(), 1)

	res, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Len(t, sends.jobs, 1)
	require.Equal(t, e.mem.Messages()[0].ID, sends.jobs[0].MessageID)
}

func TestDrainSyncTriggerPublishes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sink := &fakeSink{}
	taskID, err := e.msgs.Outbox.Schedule(ctx, domain.SyncTask{JobName: "crm.contacts", Params: map[string]string{"since": "2024-05-01"}}, nil)
	require.NoError(t, err)

	_, err = newDrainer(e, &fakeSends{}, sink).RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	require.Equal(t, taskID, sink.events[0].TaskID)
	require.Equal(t, "crm.contacts", sink.events[0].JobName)
}

func TestDrainSendFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.queue(t, domain.ChannelSMS)

	res, err := newDrainer(e, &fakeSends{err: errors.New("sqs throttled")}, &fakeSink{}).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Retried)

	tasks := e.mem.Tasks()
	require.Len(t, tasks, 1)
	require.Nil(t, tasks[0].ProcessedAt)
	require.Contains(t, tasks[0].LastError, "sqs throttled")
}
