package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type Handler func(ctx context.Context, job SendJob) error

// PollSendJobs runs handler over send jobs with a pool of workers.
func (c *Consumer) PollSendJobs(ctx context.Context, workers int, handler Handler) error {
	return pollConcurrent[SendJob](ctx, c, workers, handler)
}

// PollWebhookEvents runs handler over webhook events with a pool of workers.
func (c *Consumer) PollWebhookEvents(ctx context.Context, workers int, handler WebhookHandler) error {
	return pollConcurrent[WebhookEvent](ctx, c, workers, handler)
}

// pollConcurrent processes messages with a worker pool. Messages are deleted
// only after the handler succeeds; a failed message becomes visible again and
// SQS redrive/DLQ takes over. Undecodable messages are deleted.
func pollConcurrent[T any](ctx context.Context, c *Consumer, workers int, handler func(context.Context, T) error) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}

				var v T
				if err := json.Unmarshal([]byte(*m.Body), &v); err != nil {
					slog.Warn("sqs poison message deleted", "err", err, "message_id", deref(m.MessageId))
					c.delete(ctx, m)
					continue
				}

				if err := handler(ctx, v); err != nil {
					slog.Error("sqs handler error", "err", err, "message_id", deref(m.MessageId))
					continue
				}
				c.delete(ctx, m)
			}
		}()
	}

	// Producer: fetch messages and enqueue for workers
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("sqs receive message failed", "err", err)
					time.Sleep(500 * time.Millisecond)
				}
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	// Wait for shutdown signal (ctx canceled) or producer signals error
	err := <-errCh

	// Let workers finish whatever is already in `jobs` (channel will be closed by producer)
	wg.Wait()
	return err
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	// the receive context may already be canceled during shutdown
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.SQS.DeleteMessage(delCtx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Error("sqs delete message failed", "err", err, "message_id", deref(m.MessageId))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
