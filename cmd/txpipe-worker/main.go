// txpipe-worker — consumers стадий конвейера (ingest, rules, risk).
//
// Набор стадий задаётся PIPELINE_STAGES, поэтому стадии можно
// масштабировать отдельными процессами.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/txpipe/internal/attempts"
	"github.com/shaiso/txpipe/internal/config"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/notify"
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
	logger.Info("starting txpipe-worker", "env", cfg.Env, "stages", cfg.Pipeline.Stages)

	if err := run(cfg, logger); err != nil {
		logger.Error("txpipe-worker failed", "error", err)
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
		Prefetch:          cfg.RabbitMQ.Prefetch,
		PublisherConfirms: cfg.RabbitMQ.Confirms,
		ConnectTimeout:    cfg.RabbitMQ.ConnectTimeout,
	}, logger)
	defer client.Close()

	if err := mq.SetupTopology(ctx, client, mq.TopologyConfig{
		Exchange:           cfg.RabbitMQ.Exchange,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetter,
	}); err != nil {
		return err
	}

	publisher := mq.NewPublisher(client, mq.PublisherConfig{
		Exchange: cfg.RabbitMQ.Exchange,
		Confirm:  cfg.RabbitMQ.Confirms,
		Timeout:  cfg.RabbitMQ.PublishTimeout,
	}, logger)

	// Счётчик попыток: Redis, если задан, иначе в памяти процесса.
	var tracker mq.AttemptTracker = attempts.NewMemory()
	if cfg.Redis.Addr != "" {
		rt, err := attempts.NewRedis(ctx, attempts.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.AttemptTTL,
		})
		if err != nil {
			return err
		}
		defer rt.Close()
		tracker = rt
		logger.Info("attempt counter in redis", "addr", cfg.Redis.Addr)
	}

	var notifier pipeline.Notifier = notify.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		k := notify.NewKafka(notify.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		defer k.Close()
		notifier = k
	}

	maxAmount, err := cfg.Pipeline.MaxAmount()
	if err != nil {
		return err
	}
	registry := pipeline.NewRegistry(pipeline.ProcessorsConfig{
		MaxAmount:      maxAmount,
		PaymentMethods: cfg.Pipeline.RulesPaymentMethods,
		ApproveBelow:   cfg.Pipeline.RiskApproveBelow,
	})

	stages, err := pipeline.Stages(cfg.Pipeline.Stages, cfg.RabbitMQ.Prefetch)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Client:       client,
		Store:        repo.NewTransactionRepo(pool),
		Publisher:    publisher,
		Notifier:     notifier,
		Registry:     registry,
		Stages:       stages,
		MaxAttempts:  cfg.RabbitMQ.MaxAttempts,
		Attempts:     tracker,
		DrainTimeout: cfg.RabbitMQ.DrainTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.HTTP.WorkerPort,
		Handler:           healthMux(client),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Start(gctx)
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
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// healthMux — /healthz и /metrics воркера.
func healthMux(client *mq.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !client.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "broker disconnected")
			return
		}
		fmt.Fprint(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
