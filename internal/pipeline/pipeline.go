package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
)

// StageConfig — стадия, которую запускает Pipeline.
type StageConfig struct {
	Stage domain.Stage

	// Prefetch — сколько сообщений стадия обрабатывает одновременно.
	Prefetch int
}

// Config — конфигурация Pipeline.
type Config struct {
	Client    *mq.Client
	Store     Store
	Publisher Publisher
	Notifier  Notifier
	Registry  *Registry

	Stages []StageConfig

	// Параметры consumers, см. mq.ConsumerConfig.
	MaxAttempts  int
	Attempts     mq.AttemptTracker
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// Pipeline запускает consumers выбранных стадий, по одному на стадию.
type Pipeline struct {
	consumers []*mq.Consumer
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New собирает StageWorker и mq.Consumer для каждой стадии из cfg.Stages.
func New(cfg Config) (*Pipeline, error) {
	if len(cfg.Stages) == 0 {
		return nil, errors.New("pipeline: no stages configured")
	}
	if cfg.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{logger: logger}
	seen := make(map[domain.Stage]bool)

	for _, sc := range cfg.Stages {
		if seen[sc.Stage] {
			return nil, fmt.Errorf("pipeline: stage %s configured twice", sc.Stage)
		}
		seen[sc.Stage] = true

		route, ok := RouteFor(sc.Stage)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, sc.Stage)
		}
		processor, err := cfg.Registry.Get(sc.Stage)
		if err != nil {
			return nil, err
		}

		worker, err := NewStageWorker(StageWorkerConfig{
			Stage:     sc.Stage,
			Store:     cfg.Store,
			Publisher: cfg.Publisher,
			Processor: processor,
			Notifier:  cfg.Notifier,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}

		p.consumers = append(p.consumers, mq.NewConsumer(cfg.Client, mq.ConsumerConfig{
			Queue:        route.Queue,
			Handler:      worker.Handle,
			Prefetch:     sc.Prefetch,
			MaxAttempts:  cfg.MaxAttempts,
			Attempts:     cfg.Attempts,
			DrainTimeout: cfg.DrainTimeout,
		}, logger))
	}

	return p, nil
}

// Start запускает consumers и блокируется до остановки.
// Ошибка одного consumer'а останавливает остальные.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range p.consumers {
		g.Go(func() error {
			return c.Start(gctx)
		})
	}

	p.logger.Info("pipeline started", "consumers", len(p.consumers))
	err := g.Wait()
	p.logger.Info("pipeline stopped")
	return err
}

// Stop останавливает все consumers. Start вернётся после дренажа.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range p.consumers {
		c.Stop()
	}
}

// Stages парсит список коротких имён стадий (ingest, rules, risk)
// в StageConfig с общим prefetch.
func Stages(keys []string, prefetch int) ([]StageConfig, error) {
	out := make([]StageConfig, 0, len(keys))
	for _, k := range keys {
		stage, err := ParseStageKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, StageConfig{Stage: stage, Prefetch: prefetch})
	}
	return out, nil
}
