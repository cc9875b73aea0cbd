// cmd/scheduler is the scheduler-loop process: it polls the state store for
// due tasks and bulk-enqueues them onto the dispatch queue. Safe to run as
// multiple replicas; the atomic claim in internal/store is the only
// correctness requirement.
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

	"dialplan-campaigns/internal/concurrency"
	"dialplan-campaigns/internal/config"
	"dialplan-campaigns/internal/dispatch"
	"dialplan-campaigns/internal/healthz"
	"dialplan-campaigns/internal/metrics"
	"dialplan-campaigns/internal/scheduler"
	"dialplan-campaigns/internal/store"
	"dialplan-campaigns/internal/sweeper"
	"dialplan-campaigns/pkg/logger"
	"dialplan-campaigns/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const shutdownHardCap = 10 * time.Second

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	gw, err := store.Open(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer gw.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	queue, err := dispatch.Open(rootCtx, cfg.RabbitMQ.URL, rdb, dispatch.Config{
		MaxRetries: cfg.Dispatch.MaxRetries,
		RetryDelay: cfg.Dispatch.RetryDelay,
	}, log)
	if err != nil {
		log.Error("dispatch queue init failed", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	loop := scheduler.NewLoop(gw, queue, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, log)

	sweep := sweeper.NewLoop(gw, sweeper.Config{}, log)

	gate := concurrency.NewGate(rdb)
	reconciler := concurrency.NewReconciler(gate, gw, log, 5*time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthz.Checker{DB: gw.DB(), Redis: rdb}.Handler())
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.HTTPAddr(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("scheduler admin surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin http server failed", "err", err)
		}
	}()

	go queue.WatchQueueDepth(rootCtx, 15*time.Second)
	go reconciler.Run(rootCtx)
	go func() {
		if err := sweep.Start(rootCtx); err != nil {
			log.Error("sweeper stopped with error", "err", err)
		}
	}()

	// Hard cap: once a shutdown signal arrives, force-exit if the in-flight
	// tick and cleanup have not finished within shutdownHardCap.
	go func() {
		<-rootCtx.Done()
		time.Sleep(shutdownHardCap)
		log.Error("shutdown hard cap exceeded, forcing exit")
		os.Exit(1)
	}()

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Start(rootCtx) }()

	// loop.Start stops polling only after its in-flight tick completes, so
	// block on it rather than racing rootCtx.Done() directly.
	if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler loop exited unexpectedly", "err", err)
	}
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownHardCap)
	defer cancel()

	_ = sweep.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("admin http shutdown failed", "err", err)
	}
	log.Info("scheduler stopped")
}
