// txpipe-reconciler — периодически переотправляет зависшие транзакции
// в очередь их текущей стадии. Работает только лидер: выбор через
// advisory lock PostgreSQL.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/txpipe/internal/config"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/reconciler"
	"github.com/shaiso/txpipe/internal/repo"
	"github.com/shaiso/txpipe/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting txpipe-reconciler", "schedule", cfg.Reconciler.Schedule)

	if err := run(cfg, logger); err != nil {
		logger.Error("txpipe-reconciler failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, repo.DBConfig{URL: cfg.DB.URL, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	client := mq.NewClient(mq.ClientConfig{
		URL:               cfg.RabbitMQ.URL,
		PublisherConfirms: cfg.RabbitMQ.Confirms,
		ConnectTimeout:    cfg.RabbitMQ.ConnectTimeout,
	}, logger)
	defer client.Close()

	publisher := mq.NewPublisher(client, mq.PublisherConfig{
		Exchange: cfg.RabbitMQ.Exchange,
		Confirm:  cfg.RabbitMQ.Confirms,
		Timeout:  cfg.RabbitMQ.PublishTimeout,
	}, logger)

	r, err := reconciler.New(reconciler.Config{
		Store:       repo.NewTransactionRepo(pool),
		Publisher:   publisher,
		Leader:      repo.NewAdvisoryLock(pool, reconciler.LockKey),
		Schedule:    cfg.Reconciler.Schedule,
		StaleAfter:  cfg.Reconciler.StaleAfter,
		BatchSize:   cfg.Reconciler.Batch,
		MaxRedrives: cfg.Reconciler.MaxRedrives,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.HTTP.ReconcilerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
