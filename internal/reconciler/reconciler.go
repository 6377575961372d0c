package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/pipeline"
	"github.com/shaiso/txpipe/internal/repo"
	"github.com/shaiso/txpipe/internal/telemetry"
)

// Значения по умолчанию.
const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 5 * time.Minute
	DefaultBatchSize  = 100

	// DefaultMaxRedrives — сколько раз запись переотправляется на одной
	// стадии, прежде чем её оставят оператору.
	DefaultMaxRedrives = 3
)

// LockKey — ключ advisory lock лидера.
const LockKey int64 = 737373

// cronParser — стандартные 5 полей плюс дескрипторы (@every, @hourly).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store — выборка и отметка зависших транзакций. Реализуется repo.TransactionRepo.
type Store interface {
	ListStale(ctx context.Context, before time.Time, maxRedrives, limit int) ([]domain.Transaction, error)
	Touch(ctx context.Context, id uuid.UUID, expected domain.State, seen, now time.Time) (*domain.Transaction, error)
}

// Leader — распределённая блокировка. Реализуется repo.AdvisoryLock.
type Leader interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Config — конфигурация Reconciler.
type Config struct {
	Store     Store
	Publisher pipeline.Publisher

	// Leader — nil означает, что экземпляр всегда лидер.
	Leader Leader

	Schedule   string        // cron-выражение (default: @every 1m)
	StaleAfter time.Duration // default: 5m
	BatchSize  int           // записей за тик (default: 100)

	// MaxRedrives — предел переотправок на стадии (default: 3).
	MaxRedrives int

	Logger *slog.Logger
	Now    func() time.Time
}

// Reconciler — периодическая переотправка зависших транзакций.
type Reconciler struct {
	store      Store
	publisher  pipeline.Publisher
	leader     Leader
	schedule   cron.Schedule
	expr       string
	staleAfter time.Duration
	batchSize  int
	maxRedrive int
	logger     *slog.Logger
	now        func() time.Time
}

// New создаёт Reconciler. Возвращает ошибку для некорректного расписания.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil || cfg.Publisher == nil {
		return nil, errors.New("reconciler: store and publisher are required")
	}

	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxRedrive := cfg.MaxRedrives
	if maxRedrive <= 0 {
		maxRedrive = DefaultMaxRedrives
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Reconciler{
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		leader:     cfg.Leader,
		schedule:   schedule,
		expr:       expr,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		maxRedrive: maxRedrive,
		logger:     logger,
		now:        now,
	}, nil
}

// Tick выполняет один проход.
//
// 1. Проверяет лидерство (если задан Leader)
// 2. Находит незавершённые записи, не обновлявшиеся StaleAfter
// 3. Отмечает каждую через Touch (updated_at = now, redrive +1)
// 4. Публикует ID в очередь её текущей стадии
//
// Touch сдвигает updated_at, поэтому запись переотправляется не чаще
// раза в StaleAfter. После MaxRedrives переотправок на одной стадии
// запись больше не выбирается и ждёт оператора (replay из DLQ).
// Ошибка одной записи не блокирует остальные.
func (r *Reconciler) Tick(ctx context.Context) error {
	if r.leader != nil {
		ok, err := r.leader.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("acquire leadership: %w", err)
		}
		if !ok {
			r.logger.Debug("not a leader, skipping tick")
			return nil
		}
	}

	now := r.now()
	stale, err := r.store.ListStale(ctx, now.Add(-r.staleAfter), r.maxRedrive, r.batchSize)
	if err != nil {
		return fmt.Errorf("list stale transactions: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	var republished, skipped int
	for i := range stale {
		tx := &stale[i]
		logger := telemetry.WithTransactionID(r.logger, tx.ID.String()).With("state", tx.State().String())

		route, ok := pipeline.RouteFor(tx.Stage)
		if !ok {
			logger.Warn("stale transaction has no stage queue, needs manual attention")
			skipped++
			continue
		}

		// Запись могла продвинуться между выборкой и Touch.
		touched, err := r.store.Touch(ctx, tx.ID, tx.State(), tx.UpdatedAt, now)
		if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
			logger.Debug("stale transaction changed concurrently, skipping")
			skipped++
			continue
		}
		if err != nil {
			logger.Error("failed to mark stale transaction", "error", err)
			skipped++
			continue
		}

		if err := r.publisher.PublishTransaction(ctx, route.RoutingKey, tx.ID); err != nil {
			logger.Error("failed to republish stale transaction", "routing_key", route.RoutingKey, "error", err)
			skipped++
			continue
		}

		telemetry.Republished.WithLabelValues(string(route.RoutingKey)).Inc()
		logger.Info("stale transaction republished",
			"routing_key", route.RoutingKey,
			"updated_at", tx.UpdatedAt,
			"redrives", touched.Redrives,
		)
		republished++

		if touched.Redrives >= r.maxRedrive {
			telemetry.RedrivesExhausted.WithLabelValues(string(route.RoutingKey)).Inc()
			logger.Warn("redrive limit reached, left for manual replay", "redrives", touched.Redrives)
		}
	}

	r.logger.Info("reconcile tick completed",
		"stale", len(stale),
		"republished", republished,
		"skipped", skipped,
	)
	return nil
}

// Run запускает Tick по расписанию и блокируется до отмены ctx.
// Тик не запускается, пока не закончился предыдущий.
func (r *Reconciler) Run(ctx context.Context) error {
	logger := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile tick failed", "error", err)
		}
	}))

	r.logger.Info("reconciler started", "schedule", r.expr, "stale_after", r.staleAfter, "max_redrives", r.maxRedrive)
	c.Start()

	<-ctx.Done()

	// Ждём текущий тик.
	<-c.Stop().Done()

	if r.leader != nil {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.leader.Unlock(unlockCtx); err != nil {
			r.logger.Warn("release leadership", "error", err)
		}
	}

	r.logger.Info("reconciler stopped")
	return nil
}

// cronLogger — cron.Logger поверх slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
