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

	"msgpipe/internal/config"
	"msgpipe/internal/httpserver"
	"msgpipe/internal/logging"
	"msgpipe/internal/observability"
	"msgpipe/internal/outbox"
	"msgpipe/internal/service"
	"msgpipe/internal/store/pg"
	"msgpipe/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)
	util.DefaultRegion = cfg.DefaultPhoneRegion

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		PingTimeout:       3 * time.Second,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	queue := outbox.New(st)
	api := &httpserver.API{
		Messaging: service.NewMessaging(st, queue),
		Health:    &service.Health{Store: st},
		Outbox:    queue,
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Recover, httpserver.Logging, httpserver.Metrics(observability.APIRequests))
	api.Register(s.Mux)
	s.Probes(2*time.Second, st.Ping)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
