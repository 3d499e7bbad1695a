// Package broker publishes sync.trigger tasks to the integration bus.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"msgpipe/internal/domain"
)

// Sink delivers sync triggers to external integrations.
type Sink interface {
	Publish(ctx context.Context, ev SyncEvent) error
	Close() error
}

// SyncEvent is the wire envelope consumers receive. TaskID doubles as the
// idempotency key: a redelivered outbox task republishes the same id.
type SyncEvent struct {
	TaskID    string            `json:"taskId"`
	JobName   string            `json:"jobName"`
	Params    map[string]string `json:"params,omitempty"`
	Triggered time.Time         `json:"triggeredAt"`
}

func NewSyncEvent(taskID string, t domain.SyncTask, now time.Time) SyncEvent {
	return SyncEvent{TaskID: taskID, JobName: t.JobName, Params: t.Params, Triggered: now.UTC()}
}

func (e SyncEvent) encode() ([]byte, error) {
	if e.TaskID == "" || e.JobName == "" {
		return nil, domain.Validation("sync event: taskId and jobName are required")
	}
	return json.Marshal(e)
}

const (
	KindAMQP  = "amqp"
	KindKafka = "kafka"
	KindSQS   = "sqs"
	KindLog   = "log"
)

// Options select and configure one sink.
type Options struct {
	Kind string

	AMQPURL   string
	AMQPQueue string

	KafkaBrokers []string
	KafkaTopic   string

	SQS SQSPublisher
}

// Open builds the sink named by opts.Kind.
func Open(opts Options) (Sink, error) {
	switch opts.Kind {
	case KindAMQP:
		return DialAMQP(opts.AMQPURL, opts.AMQPQueue)
	case KindKafka:
		return NewKafka(opts.KafkaBrokers, opts.KafkaTopic)
	case KindSQS:
		if opts.SQS == nil {
			return nil, fmt.Errorf("broker: sqs sink needs a producer")
		}
		return &SQSSink{Producer: opts.SQS}, nil
	case KindLog, "":
		return LogSink{}, nil
	default:
		return nil, fmt.Errorf("broker: unknown sink %q", opts.Kind)
	}
}
