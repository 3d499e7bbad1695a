package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"msgpipe/internal/awsutil"
	"msgpipe/internal/config"
	"msgpipe/internal/httpserver"
	"msgpipe/internal/logging"
	"msgpipe/internal/observability"
	sqsqueue "msgpipe/internal/queue/sqs"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	events := &sqsqueue.WebhookProducer{Producer: sqsqueue.Producer{
		SQS:      sqsClient,
		QueueURL: cfg.WebhookEventsQueueURL,
		FIFO:     cfg.WebhookEventsFIFO,
	}}
	wh := &httpserver.Webhook{
		Events:    events,
		AuthToken: cfg.TwilioAuthToken,
		PublicURL: cfg.PublicWebhookURL,
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Recover, httpserver.Logging, httpserver.Metrics(observability.APIRequests))
	wh.Register(s.Mux)
	s.Probes(2*time.Second, awsutil.QueueCheck(sqsClient, cfg.WebhookEventsQueueURL))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
