package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"msgpipe/internal/observability"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes one record per trigger, keyed by job name so triggers for
// the same job stay ordered within a partition.
type KafkaSink struct {
	w kafkaWriter
}

func NewKafka(brokers []string, topic string) (*KafkaSink, error) {
	var addrs []string
	for _, b := range brokers {
		for _, a := range strings.Split(b, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 || topic == "" {
		return nil, fmt.Errorf("broker: kafka brokers and topic are required")
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, ev SyncEvent) error {
	body, err := ev.encode()
	if err != nil {
		return err
	}
	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.JobName),
		Value: body,
		Headers: []kafka.Header{
			{Key: "task-id", Value: []byte(ev.TaskID)},
		},
		Time: ev.Triggered,
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.SyncPublished.WithLabelValues(KindKafka, result).Inc()
	return err
}

func (s *KafkaSink) Close() error { return s.w.Close() }
