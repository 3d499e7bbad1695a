package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"msgpipe/internal/domain"
	"msgpipe/internal/observability"
	"msgpipe/internal/providers/twilio"
	sqsqueue "msgpipe/internal/queue/sqs"
	"msgpipe/internal/service"
	"msgpipe/internal/store"
)

type Store interface {
	GetMessage(ctx context.Context, id string) (store.Message, bool, error)
	GetThread(ctx context.Context, id string) (store.Thread, bool, error)
	GetConsent(ctx context.Context, contactID string, channel domain.Channel) (store.ConsentStatus, bool, error)
}

// Recorder is the reconciler's send-side API.
type Recorder interface {
	RecordSendResult(ctx context.Context, messageID, provider, providerMessageID string) (service.Outcome, error)
	RecordSendFailure(ctx context.Context, messageID, provider, detail string) (service.Outcome, error)
}

type TwilioSender interface {
	SendSMS(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error)
}

type Processor struct {
	Store    Store
	Recorder Recorder
	Sender   TwilioSender
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker

	// Sleep waits between attempts; tests replace it.
	Sleep func(time.Duration)
}

const maxSendAttempts = 3

// Process hands one queued message to the provider. A returned error leaves
// the job on the queue for redelivery; outcomes the provider decided are
// recorded on the message instead.
func (p *Processor) Process(ctx context.Context, job sqsqueue.SendJob) error {
	log := slog.With("message_id", job.MessageID, "task_id", job.TaskID)

	msg, found, err := p.Store.GetMessage(ctx, job.MessageID)
	if err != nil {
		return err
	}
	if !found {
		log.Warn("send job for unknown message dropped")
		return nil
	}

	// Idempotent consumer: only queued messages without a provider id are sent
	if msg.Direction != domain.DirectionOutbound || msg.DeliveryStatus != domain.StatusQueued || msg.ProviderMessageID != "" {
		log.Info("send job skipped", "delivery_status", string(msg.DeliveryStatus))
		return nil
	}

	if msg.Channel != domain.ChannelSMS {
		return p.fail(ctx, msg.ID, "", "unsupported_channel")
	}

	to := job.To
	if to == "" {
		to = msg.Addresses.To
	}
	if to == "" {
		return p.fail(ctx, msg.ID, "", "missing_address")
	}

	if optedOut, err := p.optedOut(ctx, msg); err != nil {
		return err
	} else if optedOut {
		observability.Suppressed.WithLabelValues("opted_out").Inc()
		return p.fail(ctx, msg.ID, "", "opted_out")
	}

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		// 1) Rate limit before calling Twilio (per pod)
		if p.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := p.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				// no token in time: transient, leave the job for redelivery
				observability.TwilioSend.WithLabelValues("rate_limited_local", "0").Inc()
				return err
			}
		}

		// 2) Circuit breaker wraps the Twilio call
		res, err := p.executeWithBreaker(ctx, twilio.SendRequest{To: to, Body: msg.Body, MediaURLs: msg.MediaURLs})

		// 3) Breaker open: fail fast, do not mark the message; SQS redelivers later
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.TwilioSend.WithLabelValues("cb_open", "0").Inc()
			return err
		}

		if err == nil {
			observability.TwilioSend.WithLabelValues("ok", strconv.Itoa(res.httpStatus)).Inc()
			observability.TwilioLatency.Observe(time.Since(start).Seconds())
			if _, err := p.Recorder.RecordSendResult(ctx, msg.ID, twilio.Provider, res.resp.Sid); err != nil {
				return err
			}
			log.Info("message sent", "provider_msg_id", res.resp.Sid)
			return nil
		}

		lastErr = err
		var tce twilioCallError
		httpStatus := 0
		if errors.As(err, &tce) {
			httpStatus = tce.httpStatus
		}
		observability.TwilioSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
		log.Warn("twilio send failed", "err", err, "http_status", httpStatus, "attempt", attempt+1)

		if !twilio.ShouldRetry(err, httpStatus) {
			return p.fail(ctx, msg.ID, twilio.Provider, failureDetail(err))
		}
		p.sleep(twilio.Backoff(attempt))
	}

	log.Error("twilio send gave up", "err", lastErr)
	return p.fail(ctx, msg.ID, twilio.Provider, "twilio_retry_exhausted")
}

func (p *Processor) optedOut(ctx context.Context, msg store.Message) (bool, error) {
	th, found, err := p.Store.GetThread(ctx, msg.ThreadID)
	if err != nil || !found {
		return false, err
	}
	st, found, err := p.Store.GetConsent(ctx, th.ContactID, domain.ChannelSMS)
	if err != nil {
		return false, err
	}
	return found && st == store.ConsentOptedOut, nil
}

func (p *Processor) fail(ctx context.Context, messageID, provider, detail string) error {
	_, err := p.Recorder.RecordSendFailure(ctx, messageID, provider, detail)
	if err == nil {
		slog.Info("message not sent", "message_id", messageID, "reason", detail)
	}
	return err
}

func (p *Processor) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (p *Processor) executeWithBreaker(ctx context.Context, req twilio.SendRequest) (sendResult, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()

		resp, httpStatus, raw, callErr := p.Sender.SendSMS(reqCtx, req)
		if callErr != nil {
			return nil, twilioCallError{err: callErr, httpStatus: httpStatus, raw: raw}
		}
		return sendResult{resp: resp, httpStatus: httpStatus}, nil
	}

	var (
		out any
		err error
	)
	if p.Breaker == nil {
		out, err = call()
	} else {
		out, err = p.Breaker.Execute(call)
	}
	if err != nil {
		return sendResult{}, err
	}
	return out.(sendResult), nil
}

// NewBreaker trips after five consecutive provider failures.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool {
			// provider rejections of one message are not outages
			var tce twilioCallError
			return err == nil || (errors.As(err, &tce) && !twilio.ShouldRetry(tce.err, tce.httpStatus))
		},
	})
}

func failureDetail(err error) string {
	var apiErr *twilio.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return strconv.Itoa(apiErr.Code)
	}
	return "twilio_non_retryable"
}

type sendResult struct {
	resp       twilio.SendResponse
	httpStatus int
}

type twilioCallError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e twilioCallError) Error() string { return e.err.Error() }
func (e twilioCallError) Unwrap() error { return e.err }
