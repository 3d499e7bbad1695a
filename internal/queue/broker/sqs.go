package broker

import (
	"context"
	"log/slog"

	"msgpipe/internal/observability"
)

// SQSPublisher is satisfied by *sqsqueue.Producer.
type SQSPublisher interface {
	SendJSON(ctx context.Context, v any, groupID, dedupeID string) error
}

type SQSSink struct {
	Producer SQSPublisher
}

func (s *SQSSink) Publish(ctx context.Context, ev SyncEvent) error {
	if _, err := ev.encode(); err != nil {
		return err
	}
	err := s.Producer.SendJSON(ctx, ev, ev.JobName, ev.TaskID)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.SyncPublished.WithLabelValues(KindSQS, result).Inc()
	return err
}

func (s *SQSSink) Close() error { return nil }

// LogSink only logs triggers. It is the default when no bus is configured.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev SyncEvent) error {
	if _, err := ev.encode(); err != nil {
		return err
	}
	slog.Info("sync trigger", "task_id", ev.TaskID, "job", ev.JobName, "params", ev.Params)
	observability.SyncPublished.WithLabelValues(KindLog, "ok").Inc()
	return nil
}

func (LogSink) Close() error { return nil }
