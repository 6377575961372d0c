package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/repo"
	"github.com/shaiso/txpipe/internal/telemetry"
)

// Исходы обработки сообщения для метрики MessagesProcessed
// в дополнение к domain.Outcome.
const (
	outcomeDuplicate = "duplicate"
	outcomeMalformed = "malformed"
	outcomeNotFound  = "not_found"
	outcomeMismatch  = "mismatch"
	outcomeError     = "error"
)

// StageWorkerConfig — зависимости StageWorker.
type StageWorkerConfig struct {
	Stage     domain.Stage
	Store     Store
	Publisher Publisher
	Processor Processor

	// Notifier — опционально.
	Notifier Notifier

	Logger *slog.Logger
	Now    func() time.Time
}

// StageWorker обрабатывает доставки из очереди одной стадии.
type StageWorker struct {
	stage     domain.Stage
	label     string
	store     Store
	publisher Publisher
	processor Processor
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewStageWorker создаёт StageWorker.
func NewStageWorker(cfg StageWorkerConfig) (*StageWorker, error) {
	route, ok := RouteFor(cfg.Stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, cfg.Stage)
	}
	if cfg.Store == nil || cfg.Publisher == nil || cfg.Processor == nil {
		return nil, errors.New("stage worker: store, publisher and processor are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &StageWorker{
		stage:     cfg.Stage,
		label:     string(route.RoutingKey),
		store:     cfg.Store,
		publisher: cfg.Publisher,
		processor: cfg.Processor,
		notifier:  cfg.Notifier,
		logger:    telemetry.WithStage(logger, string(route.RoutingKey)),
		now:       now,
	}, nil
}

// Stage возвращает стадию воркера.
func (w *StageWorker) Stage() domain.Stage {
	return w.stage
}

// Handle обрабатывает одну доставку. Сигнатура совпадает с mq.Handler.
//
// nil возвращается, когда сообщение можно подтвердить: стадия отработала,
// запись сохранена и следующая стадия получила сообщение, либо транзакция
// уже была обработана раньше.
func (w *StageWorker) Handle(ctx context.Context, d *mq.Delivery) error {
	start := time.Now()
	defer func() {
		telemetry.StageDuration.WithLabelValues(w.label).Observe(time.Since(start).Seconds())
	}()

	outcome, err := w.handle(ctx, d)
	telemetry.MessagesProcessed.WithLabelValues(w.label, outcome).Inc()
	return err
}

func (w *StageWorker) handle(ctx context.Context, d *mq.Delivery) (string, error) {
	logger := w.logger.With("message_id", d.MessageID())

	msg, err := mq.DecodeStageMessage(d.Body())
	if err != nil {
		logger.Warn("malformed stage message", "error", err)
		return outcomeMalformed, mq.Permanent(fmt.Errorf("%w: %w", ErrMessageMalformed, err))
	}
	logger = telemetry.WithTransactionID(logger, msg.TransactionID.String())

	tx, err := w.store.GetByID(ctx, msg.TransactionID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Error("transaction referenced by message does not exist")
		return outcomeNotFound, mq.Permanent(fmt.Errorf("%w: %s", ErrRecordNotFound, msg.TransactionID))
	}
	if err != nil {
		return outcomeError, fmt.Errorf("load transaction %s: %w", msg.TransactionID, err)
	}

	if tx.ProcessedBy(w.stage) {
		logger.Debug("transaction already processed by stage", "state", tx.State().String())
		return outcomeDuplicate, nil
	}
	if tx.Stage != w.stage {
		logger.Error("transaction is not at this stage", "state", tx.State().String())
		return outcomeMismatch, mq.Permanent(fmt.Errorf("%w: %s is %s", ErrStageMismatch, tx.ID, tx.State()))
	}

	res, err := w.processor.Process(ctx, tx)
	if err != nil {
		if !mq.IsPermanent(err) {
			logger.Warn("stage processing failed", "error", err)
			return outcomeError, fmt.Errorf("%w: %w", ErrStageProcessing, err)
		}
		logger.Error("stage failed permanently", "error", err)
		res = Result{Outcome: domain.OutcomeFail, Reason: err.Error()}
	}

	from := tx.State()
	next, err := domain.Transition(from, res.Outcome)
	if err != nil {
		logger.Error("transition rejected", "outcome", res.Outcome, "error", err)
		return outcomeMismatch, mq.Permanent(err)
	}

	upd := repo.TransactionUpdate{
		State:     next,
		RiskScore: res.RiskScore,
		UpdatedAt: w.now(),
	}
	if res.Outcome != domain.OutcomePass {
		upd.Reason = res.Reason
	}

	updated, err := w.store.Update(ctx, tx.ID, from, upd)
	switch {
	case errors.Is(err, repo.ErrConflict):
		return w.resolveConflict(ctx, tx, logger)
	case errors.Is(err, repo.ErrNotFound):
		logger.Error("transaction disappeared during processing")
		return outcomeNotFound, mq.Permanent(fmt.Errorf("%w: %s", ErrRecordNotFound, tx.ID))
	case err != nil:
		return outcomeError, fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}

	logger.Info("stage completed",
		"outcome", res.Outcome,
		"from", from.String(),
		"to", next.String(),
	)

	if err := w.forward(ctx, updated, logger); err != nil {
		return outcomeError, err
	}
	return string(res.Outcome), nil
}

// resolveConflict перечитывает запись, которую параллельно изменила
// другая доставка того же сообщения.
func (w *StageWorker) resolveConflict(ctx context.Context, tx *domain.Transaction, logger *slog.Logger) (string, error) {
	current, err := w.store.GetByID(ctx, tx.ID)
	if err != nil {
		return outcomeError, fmt.Errorf("reload transaction %s after conflict: %w", tx.ID, err)
	}
	if current.ProcessedBy(w.stage) {
		logger.Debug("concurrent delivery already advanced transaction", "state", current.State().String())
		return outcomeDuplicate, nil
	}
	return outcomeError, fmt.Errorf("update transaction %s: %w", tx.ID, repo.ErrConflict)
}

// forward отправляет транзакцию дальше: в очередь следующей стадии
// или, для финального статуса, в Notifier.
func (w *StageWorker) forward(ctx context.Context, tx *domain.Transaction, logger *slog.Logger) error {
	if tx.Status.IsTerminal() {
		if w.notifier != nil {
			if err := w.notifier.TransactionDecided(ctx, tx); err != nil {
				logger.Warn("decision notification failed", "error", err)
			}
		}
		logger.Info("transaction decided", "status", tx.Status, "reason", tx.Reason)
		return nil
	}

	route, ok := RouteFor(tx.Stage)
	if !ok {
		return mq.Permanent(fmt.Errorf("%w: no route for %s", ErrUnknownStage, tx.Stage))
	}
	if err := w.publisher.PublishTransaction(ctx, route.RoutingKey, tx.ID); err != nil {
		logger.Error("failed to publish to next stage", "routing_key", route.RoutingKey, "error", err)
		return fmt.Errorf("publish %s to %s: %w", tx.ID, route.RoutingKey, err)
	}
	return nil
}
