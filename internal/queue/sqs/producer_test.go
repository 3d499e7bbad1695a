package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	batches  [][]types.Message
	deleted  []string
	onDrain  func()
	received int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received++
	if len(f.batches) == 0 {
		if f.onDrain != nil {
			f.onDrain()
		}
		return &sqs.ReceiveMessageOutput{}, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: b}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func msg(receipt, body string) types.Message {
	return types.Message{ReceiptHandle: str(receipt), MessageId: str(receipt), Body: str(body)}
}

func TestMessageGroupIDBucketed(t *testing.T) {
	to := "+19990000001"

	got1 := messageGroupIDBucketed("sms", to, 2000)
	got2 := messageGroupIDBucketed("sms", to, 2000)
	require.Equal(t, got1, got2, "group id must be stable")
	require.NotEmpty(t, got1)

	// buckets<=0 should use default.
	require.NotEmpty(t, messageGroupIDBucketed("sms", to, 0))
	require.Equal(t, "sms:0", messageGroupIDBucketed("sms", to, 1))
}

func TestEnqueueSendFIFO(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "https://sqs.local/send.fifo", FIFO: true, GroupBuckets: 16}

	job := SendJob{TaskID: "tsk_1", MessageID: "msg_1", Channel: domain.ChannelSMS, To: "+14045550100"}
	require.NoError(t, p.EnqueueSend(context.Background(), job))

	require.Len(t, f.sent, 1)
	in := f.sent[0]
	require.Equal(t, "msg_1", *in.MessageDeduplicationId)
	require.Equal(t, messageGroupIDBucketed("sms", "+14045550100", 16), *in.MessageGroupId)

	var got SendJob
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &got))
	require.Equal(t, job, got)

	require.ErrorIs(t, p.EnqueueSend(context.Background(), SendJob{}), domain.ErrValidation)
}

func TestEnqueueStandardQueueOmitsFIFOFields(t *testing.T) {
	f := &fakeSQS{}
	p := &WebhookProducer{Producer{SQS: f, QueueURL: "https://sqs.local/webhooks"}}

	require.NoError(t, p.Enqueue(context.Background(), WebhookEvent{Kind: WebhookStatus, Provider: "twilio", ProviderMsgID: "SM1", Status: "delivered"}))
	require.Len(t, f.sent, 1)
	require.Nil(t, f.sent[0].MessageGroupId)
	require.Nil(t, f.sent[0].MessageDeduplicationId)
}

func TestPollDeletesOnlyHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok, _ := json.Marshal(SendJob{MessageID: "msg_ok"})
	fail, _ := json.Marshal(SendJob{MessageID: "msg_fail"})
	f := &fakeSQS{
		batches: [][]types.Message{{
			msg("r-ok", string(ok)),
			msg("r-fail", string(fail)),
			msg("r-poison", "{not json"),
		}},
		onDrain: cancel,
	}
	c := &Consumer{SQS: f, QueueURL: "q"}

	var mu sync.Mutex
	var handled []string
	err := c.PollSendJobs(ctx, 2, func(_ context.Context, job SendJob) error {
		mu.Lock()
		handled = append(handled, job.MessageID)
		mu.Unlock()
		if job.MessageID == "msg_fail" {
			return errors.New("provider down")
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ElementsMatch(t, []string{"msg_ok", "msg_fail"}, handled)
	require.ElementsMatch(t, []string{"r-ok", "r-poison"}, f.deleted)
}

func TestPollWebhookEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body, _ := json.Marshal(WebhookEvent{Kind: WebhookInbound, Provider: "twilio", ProviderMsgID: "SMin", From: "+14045550100", Body: "hi"})
	f := &fakeSQS{batches: [][]types.Message{{msg("r1", string(body))}}, onDrain: cancel}
	c := &Consumer{SQS: f, QueueURL: "q"}

	var got []WebhookEvent
	var mu sync.Mutex
	err := c.PollWebhookEvents(ctx, 1, func(_ context.Context, ev WebhookEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 1)
	require.Equal(t, WebhookInbound, got[0].Kind)
	require.Equal(t, []string{"r1"}, f.deleted)
}
