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

	"msgpipe/internal/awsutil"
	"msgpipe/internal/config"
	"msgpipe/internal/httpserver"
	"msgpipe/internal/logging"
	"msgpipe/internal/observability"
	"msgpipe/internal/outbox"
	"msgpipe/internal/queue/broker"
	sqsqueue "msgpipe/internal/queue/sqs"
	"msgpipe/internal/service"
	"msgpipe/internal/store/pg"
	"msgpipe/internal/util"
	"msgpipe/internal/worker"
)

func main() {
	cfg := config.LoadDrainer()
	logging.Init("drainer", cfg.LogFormat, cfg.LogLevel)
	util.DefaultRegion = cfg.DefaultPhoneRegion

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
		slog.Error("drainer db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("drainer sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	sends := &sqsqueue.Producer{
		SQS:          sqsClient,
		QueueURL:     cfg.SQSQueueURL,
		FIFO:         cfg.SQSFIFO,
		GroupBuckets: cfg.SQSGroupBuckets,
	}
	sinkOpts := broker.Options{
		Kind:         cfg.SyncSink,
		AMQPURL:      cfg.AMQPURL,
		AMQPQueue:    cfg.AMQPQueue,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	}
	if cfg.SyncSQSQueueURL != "" {
		sinkOpts.SQS = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SyncSQSQueueURL}
	}
	sink, err := broker.Open(sinkOpts)
	if err != nil {
		slog.Error("drainer sync sink init failed", "err", err, "sink", cfg.SyncSink)
		os.Exit(1)
	}
	defer sink.Close()

	queue := outbox.New(st)
	queue.MaxAttempts = cfg.OutboxMaxAttempts
	dispatch := &worker.Dispatch{
		Sends:     sends,
		Reminders: service.NewMessaging(st, queue),
		Sync:      sink,
	}
	drainer := &outbox.Drainer{
		Queue:     queue,
		Handlers:  dispatch.Registry(),
		BatchSize: cfg.OutboxBatchSize,
		Lease:     cfg.OutboxLease,
		Interval:  cfg.OutboxInterval,
	}

	// health + metrics
	health := httpserver.New()
	health.Mux.Use(httpserver.Logging)
	health.Probes(2*time.Second, st.Ping, awsutil.QueueCheck(sqsClient, cfg.SQSQueueURL))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Mux, ReadHeaderTimeout: 5 * time.Second}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("drainer health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("drainer started", "batch", cfg.OutboxBatchSize, "lease", cfg.OutboxLease, "sync_sink", cfg.SyncSink)
		runErrCh <- drainer.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("drainer failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("drainer health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("drainer shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-runErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("drainer shutdown timeout waiting for drain loop")
	}
}
