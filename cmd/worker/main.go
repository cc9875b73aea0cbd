// cmd/worker is the worker-pool process: it consumes task-ids from the
// dispatch queue and drives each through the per-task state machine (LOAD,
// GATE, LOG, PLACE, commit/retry/fail, FINALLY release).
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
	"dialplan-campaigns/internal/store"
	"dialplan-campaigns/internal/telephony"
	"dialplan-campaigns/internal/worker"
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

	gate := concurrency.NewGate(rdb)
	placer := telephony.NewMockPlacer(time.Now().UnixNano())

	pool := worker.NewPool(gw, gate, queue, placer, worker.Config{
		PoolSize:        cfg.Worker.PoolSize,
		RateLimitPerMin: cfg.Worker.RateLimitPerMin,
	}, log)

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthz.Checker{DB: gw.DB(), Redis: rdb}.Handler())
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.HTTPAddr(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("worker admin surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin http server failed", "err", err)
		}
	}()

	// Hard cap: once a shutdown signal arrives, force-exit if draining and
	// cleanup have not finished within shutdownHardCap.
	go func() {
		<-rootCtx.Done()
		time.Sleep(shutdownHardCap)
		log.Error("shutdown hard cap exceeded, forcing exit")
		os.Exit(1)
	}()

	poolErr := make(chan error, 1)
	go func() { poolErr <- pool.Run(rootCtx) }()

	// Run blocks consuming until ctx is cancelled; shutdown here is
	// cooperative — new jobs stop being pulled and in-flight tasks drain
	// inside the dispatch consumer loop before Run returns.
	if err := <-poolErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker pool exited unexpectedly", "err", err)
	}
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownHardCap)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("admin http shutdown failed", "err", err)
	}
	log.Info("worker stopped")
}
