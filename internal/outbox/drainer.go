package outbox

import (
	"context"
	"log/slog"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/observability"
)

type Drainer struct {
	Queue    *Queue
	Handlers *Registry

	BatchSize int
	Lease     time.Duration
	Interval  time.Duration
}

type DrainResult struct {
	Claimed   int
	Processed int
	Retried   int
	Dead      int
}

// RunOnce claims one batch and dispatches it. Delivery is at-least-once: the
// handler runs before the task is marked processed.
func (d *Drainer) RunOnce(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	batch := d.BatchSize
	if batch <= 0 {
		batch = 50
	}
	tasks, err := d.Queue.ClaimDue(ctx, batch, d.Lease)
	if err != nil {
		return res, err
	}
	res.Claimed = len(tasks)

	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		log := slog.With("task_id", t.ID, "kind", string(t.Kind), "attempt", t.Attempts)

		task, err := domain.DecodeTask(t.Kind, t.Payload)
		if err == nil {
			err = d.Handlers.Handle(ctx, t.ID, task)
		}
		if err != nil {
			dead, rerr := d.Queue.Retry(ctx, t.ID, t.Attempts, err)
			if rerr != nil {
				log.Error("outbox retry bookkeeping failed", "err", rerr)
			}
			if dead {
				res.Dead++
				observability.OutboxDispatch.WithLabelValues(string(t.Kind), "dead").Inc()
				log.Error("outbox task gave up", "err", err)
			} else {
				res.Retried++
				observability.OutboxDispatch.WithLabelValues(string(t.Kind), "retry").Inc()
				log.Warn("outbox task failed, will retry", "err", err)
			}
			continue
		}

		if _, err := d.Queue.MarkProcessed(ctx, t.ID); err != nil {
			// the lease will expire and the task is redelivered
			log.Error("outbox task handled but not marked processed", "err", err)
			continue
		}
		res.Processed++
		observability.OutboxDispatch.WithLabelValues(string(t.Kind), "ok").Inc()
	}
	return res, nil
}

// Run drains until ctx is done. A full batch is followed immediately by
// another drain; otherwise it waits Interval.
func (d *Drainer) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = 50
	}

	for {
		res, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("outbox drain failed", "err", err)
		}
		if res.Claimed > 0 {
			slog.Info("outbox drained", "claimed", res.Claimed, "processed", res.Processed, "retried", res.Retried, "dead", res.Dead)
		}
		if n, perr := d.Queue.Pending(ctx); perr == nil {
			observability.OutboxPending.Set(float64(n))
		}

		wait := interval
		if err == nil && res.Claimed >= batch {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
