// Package outbox is the durable scheduling primitive: every side effect is a
// row with an eligibility time, claimed and acknowledged by a drainer.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/ids"
	"msgpipe/internal/observability"
	"msgpipe/internal/store"
	"msgpipe/internal/util"
)

const (
	DefaultMaxAttempts = 8
	DefaultLease       = 2 * time.Minute
)

type Queue struct {
	Store store.Store

	// MaxAttempts bounds Retry; past it the task is closed with its last error.
	MaxAttempts int
	Now         func() time.Time
}

func New(s store.Store) *Queue {
	return &Queue{Store: s, MaxAttempts: DefaultMaxAttempts, Now: util.NowUTC}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return util.NowUTC()
}

// Enqueue inserts task in its own transaction and returns the task id.
func (q *Queue) Enqueue(ctx context.Context, task domain.Task, nextAttemptAt *time.Time) (string, error) {
	var id string
	err := q.Store.InTx(ctx, func(tx store.Queries) error {
		var err error
		id, err = q.EnqueueIn(ctx, tx, task, nextAttemptAt)
		return err
	})
	return id, err
}

// EnqueueIn inserts task using the caller's transaction so the task commits
// or rolls back with the rows it references.
func (q *Queue) EnqueueIn(ctx context.Context, tx store.Queries, task domain.Task, nextAttemptAt *time.Time) (string, error) {
	payload, err := domain.EncodeTask(task)
	if err != nil {
		return "", err
	}
	t := store.OutboxTask{
		ID:            ids.NewTaskID(),
		Kind:          task.Kind(),
		Ref:           task.Ref(),
		Payload:       payload,
		CreatedAt:     q.now(),
		NextAttemptAt: utcPtr(nextAttemptAt),
	}
	if err := tx.InsertOutboxTask(ctx, t); err != nil {
		observability.Enqueues.WithLabelValues(string(t.Kind), "error").Inc()
		return "", fmt.Errorf("insert outbox task: %w", err)
	}
	observability.Enqueues.WithLabelValues(string(t.Kind), "inserted").Inc()
	return t.ID, nil
}

// Schedule is the idempotent form of Enqueue for named work: a pending task
// with the same kind and ref is moved to nextAttemptAt instead of duplicated.
func (q *Queue) Schedule(ctx context.Context, task domain.Task, nextAttemptAt *time.Time) (string, error) {
	if task == nil {
		return "", domain.Validation("task is required")
	}
	if task.Ref() == "" {
		return q.Enqueue(ctx, task, nextAttemptAt)
	}

	id, err := q.schedule(ctx, task, nextAttemptAt)
	if errors.Is(err, store.ErrConflict) {
		// a concurrent producer inserted the same work; it is now visible
		id, err = q.schedule(ctx, task, nextAttemptAt)
	}
	return id, err
}

func (q *Queue) schedule(ctx context.Context, task domain.Task, nextAttemptAt *time.Time) (string, error) {
	var id string
	err := q.Store.InTx(ctx, func(tx store.Queries) error {
		existing, found, err := tx.FindPendingOutboxTask(ctx, task.Kind(), task.Ref())
		if err != nil {
			return err
		}
		if found {
			id = existing.ID
			observability.Enqueues.WithLabelValues(string(task.Kind()), "rescheduled").Inc()
			return tx.SetOutboxTaskNextAttempt(ctx, existing.ID, utcPtr(nextAttemptAt))
		}
		id, err = q.EnqueueIn(ctx, tx, task, nextAttemptAt)
		return err
	})
	return id, err
}

// ClaimDue leases up to limit due tasks. A claimed task is invisible to other
// drainers until the lease runs out, after which it is redelivered.
func (q *Queue) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]store.OutboxTask, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	now := q.now()
	var tasks []store.OutboxTask
	err := q.Store.InTx(ctx, func(tx store.Queries) error {
		var err error
		tasks, err = tx.ClaimDueOutboxTasks(ctx, now, now.Add(lease), limit)
		return err
	})
	return tasks, err
}

// MarkProcessed closes the task. It reports false when the task was already
// closed, which is how a redelivered task is recognized.
func (q *Queue) MarkProcessed(ctx context.Context, id string) (bool, error) {
	return q.Store.MarkOutboxTaskProcessed(ctx, id, "", q.now())
}

// Retry reschedules a failed attempt with backoff. attempt is the number of
// attempts made so far. Once MaxAttempts is reached the task is closed with
// cause recorded and dead is true.
func (q *Queue) Retry(ctx context.Context, id string, attempt int, cause error) (dead bool, err error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	limit := q.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	if attempt >= limit || errors.Is(cause, domain.ErrValidation) {
		_, err := q.Store.MarkOutboxTaskProcessed(ctx, id, msg, q.now())
		return true, err
	}
	return false, q.Store.RescheduleOutboxTask(ctx, id, q.now().Add(Backoff(attempt)), msg)
}

// Pending counts tasks that are due now.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.Store.CountPendingOutboxTasks(ctx, q.now())
}

var backoffSteps = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Backoff returns the delay before attempt+1.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSteps) {
		return backoffSteps[len(backoffSteps)-1]
	}
	return backoffSteps[attempt-1]
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
