package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"msgpipe/internal/observability"
)

type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes to a durable queue on the default exchange.
type AMQPSink struct {
	Queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   amqpChannel
}

func DialAMQP(url, queue string) (*AMQPSink, error) {
	if url == "" || queue == "" {
		return nil, fmt.Errorf("broker: amqp url and queue are required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}
	return &AMQPSink{Queue: q.Name, conn: conn, ch: ch}, nil
}

func (s *AMQPSink) Publish(_ context.Context, ev SyncEvent) error {
	body, err := ev.encode()
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.Publish(
		"",
		s.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.TaskID,
			Type:         ev.JobName,
			Timestamp:    ev.Triggered,
			Body:         body,
		},
	)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.SyncPublished.WithLabelValues(KindAMQP, result).Inc()
	return err
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
