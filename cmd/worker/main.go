package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"msgpipe/internal/awsutil"
	"msgpipe/internal/config"
	"msgpipe/internal/httpserver"
	"msgpipe/internal/logging"
	"msgpipe/internal/observability"
	"msgpipe/internal/providers/twilio"
	sqsqueue "msgpipe/internal/queue/sqs"
	"msgpipe/internal/service"
	"msgpipe/internal/store/pg"
	"msgpipe/internal/util"
	workerproc "msgpipe/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)
	util.DefaultRegion = cfg.DefaultPhoneRegion

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		PingTimeout:       3 * time.Second,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueReady := awsutil.QueueCheck(sqsClient, cfg.SQSQueueURL)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := queueReady(startupCtx); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health server (liveness + readiness + metrics)
	health := httpserver.New()
	health.Mux.Use(httpserver.Logging)
	health.Probes(2*time.Second, st.Ping, queueReady)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Mux, ReadHeaderTimeout: 5 * time.Second}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// Twilio + limiter/breaker + processor
	tw := &twilio.Client{
		AccountSID:          cfg.TwilioAccountSID,
		AuthToken:           cfg.TwilioAuthToken,
		HTTP:                &http.Client{Timeout: 8 * time.Second},
		MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		FromNumber:          cfg.TwilioFromNumber,
		BaseURL:             cfg.TwilioBaseURL,
		StatusCallbackURL:   cfg.TwilioStatusCallbackURL,
	}
	processor := &workerproc.Processor{
		Store:    st,
		Recorder: &service.Reconciler{Store: st},
		Sender:   tw,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.TwilioRPSPerPod), cfg.TwilioBurst),
		Breaker:  workerproc.NewBreaker(twilio.Provider),
	}

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL, "concurrency", cfg.WorkerConcurrency)
		pollErrCh <- consumer.PollSendJobs(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.SendJob) (err error) {
			start := time.Now()
			defer func() {
				status := "ok"
				if err != nil {
					status = "error"
				}
				slog.Info("worker job finish",
					"message_id", job.MessageID,
					"task_id", job.TaskID,
					"status", status,
					"duration", time.Since(start),
					"err", err,
				)
			}()
			return processor.Process(ctx, job)
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
