// txpipe-api — HTTP граница конвейера: приём транзакций, чтение
// состояния, переотправка DLQ, health и metrics.
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

	"github.com/shaiso/txpipe/internal/api"
	"github.com/shaiso/txpipe/internal/config"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/pipeline"
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
	logger.Info("starting txpipe-api", "env", cfg.Env)

	if err := run(cfg, logger); err != nil {
		logger.Error("txpipe-api failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.DB.Migrate {
		if err := repo.Migrate(cfg.DB.URL, logger); err != nil {
			return err
		}
	}

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, repo.DBConfig{URL: cfg.DB.URL, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	client := mq.NewClient(mq.ClientConfig{
		URL:               cfg.RabbitMQ.URL,
		Prefetch:          cfg.RabbitMQ.Prefetch,
		PublisherConfirms: cfg.RabbitMQ.Confirms,
		ConnectTimeout:    cfg.RabbitMQ.ConnectTimeout,
	}, logger)
	defer client.Close()

	topology := mq.TopologyConfig{Exchange: cfg.RabbitMQ.Exchange, DeadLetterExchange: cfg.RabbitMQ.DeadLetter}
	if err := mq.SetupTopology(ctx, client, topology); err != nil {
		return err
	}
	logger.Info("topology declared", "topology", mq.TopologyInfo(topology))

	publisher := mq.NewPublisher(client, mq.PublisherConfig{
		Exchange: cfg.RabbitMQ.Exchange,
		Confirm:  cfg.RabbitMQ.Confirms,
		Timeout:  cfg.RabbitMQ.PublishTimeout,
	}, logger)

	transactions := repo.NewTransactionRepo(pool)

	handler := api.NewHandler(api.Config{
		Submitter: pipeline.NewSubmitter(pipeline.SubmitterConfig{
			Store:     transactions,
			Publisher: publisher,
			Logger:    logger,
		}),
		Transactions: transactions,
		Replay: func(ctx context.Context, route mq.Route, limit int) (int, error) {
			return mq.ReplayDeadLetters(ctx, client, publisher, route, limit)
		},
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			_, err := client.Connect(ctx)
			return err
		},
		Logger: logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              ":" + cfg.HTTP.APIPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return server.Shutdown(shutdownCtx)
}
