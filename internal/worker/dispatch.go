package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/outbox"
	"msgpipe/internal/queue/broker"
	sqsqueue "msgpipe/internal/queue/sqs"
)

type SendEnqueuer interface {
	EnqueueSend(ctx context.Context, job sqsqueue.SendJob) error
}

type ReminderFirer interface {
	FireReminder(ctx context.Context, task domain.ReminderTask) (string, error)
}

// Dispatch holds the side effects the outbox drainer performs per task kind.
type Dispatch struct {
	Sends     SendEnqueuer
	Reminders ReminderFirer
	Sync      broker.Sink
	Now       func() time.Time
}

// Registry wires one handler per task kind.
func (d *Dispatch) Registry() *outbox.Registry {
	r := outbox.NewRegistry()
	r.MustRegister(domain.KindMessageSend, d.send)
	r.MustRegister(domain.KindReminderFire, d.reminder)
	r.MustRegister(domain.KindSyncTrigger, d.sync)
	return r
}

func (d *Dispatch) send(ctx context.Context, taskID string, task domain.Task) error {
	t, ok := task.(domain.SendMessageTask)
	if !ok {
		return domain.Validation("unexpected payload %T for %s", task, domain.KindMessageSend)
	}
	if err := d.Sends.EnqueueSend(ctx, sqsqueue.SendJob{
		TaskID:    taskID,
		MessageID: t.MessageID,
		Channel:   t.Channel,
		To:        t.To,
	}); err != nil {
		return fmt.Errorf("enqueue send job: %w", err)
	}
	return nil
}

func (d *Dispatch) reminder(ctx context.Context, taskID string, task domain.Task) error {
	t, ok := task.(domain.ReminderTask)
	if !ok {
		return domain.Validation("unexpected payload %T for %s", task, domain.KindReminderFire)
	}
	id, err := d.Reminders.FireReminder(ctx, t)
	if err != nil {
		return err
	}
	if id == "" {
		slog.Warn("reminder dropped, contact not found", "task_id", taskID, "contact_id", t.ContactID)
	}
	return nil
}

func (d *Dispatch) sync(ctx context.Context, taskID string, task domain.Task) error {
	t, ok := task.(domain.SyncTask)
	if !ok {
		return domain.Validation("unexpected payload %T for %s", task, domain.KindSyncTrigger)
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	return d.Sync.Publish(ctx, broker.NewSyncEvent(taskID, t, now))
}
