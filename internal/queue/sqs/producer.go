package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"msgpipe/internal/domain"
)

// API is the part of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const defaultGroupBuckets = 1024

type Producer struct {
	SQS      API
	QueueURL string

	// FIFO adds message group and deduplication ids.
	FIFO bool
	// GroupBuckets spreads recipients over this many FIFO groups.
	GroupBuckets int
}

// SendJob asks a worker to hand one queued message to its provider.
type SendJob struct {
	TaskID    string         `json:"taskId"`
	MessageID string         `json:"messageId"`
	Channel   domain.Channel `json:"channel"`
	To        string         `json:"to"`
}

func (p *Producer) EnqueueSend(ctx context.Context, job SendJob) error {
	if job.MessageID == "" {
		return domain.Validation("send job: messageId is required")
	}
	// per-recipient ordering; a message is sent at most once per dedupe window
	return p.SendJSON(ctx, job, messageGroupIDBucketed(string(job.Channel), job.To, p.GroupBuckets), job.MessageID)
}

// SendJSON marshals v and sends it. groupID and dedupeID are used only on
// FIFO queues.
func (p *Producer) SendJSON(ctx context.Context, v any, groupID, dedupeID string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if p.FIFO {
		in.MessageGroupId = str(groupID)
		if dedupeID != "" {
			in.MessageDeduplicationId = str(dedupeID)
		}
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// messageGroupIDBucketed maps a recipient to one of buckets stable FIFO
// groups, bounding group cardinality while keeping per-recipient order.
func messageGroupIDBucketed(scope, to string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(to))
	return fmt.Sprintf("%s:%d", scope, h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
