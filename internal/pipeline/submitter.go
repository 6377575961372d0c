package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/telemetry"
)

// Значения по умолчанию для SubmitterConfig.
const (
	DefaultPublishAttempts = 3
	DefaultRetryDelay      = 200 * time.Millisecond
)

// SubmitterConfig — зависимости Submitter.
type SubmitterConfig struct {
	Store     Store
	Publisher Publisher
	Logger    *slog.Logger

	// PublishAttempts — попыток публикации в ingest (default: 3).
	PublishAttempts int

	// RetryDelay — пауза перед второй попыткой, дальше растёт линейно (default: 200ms).
	RetryDelay time.Duration

	Now func() time.Time
}

// Submitter принимает новые транзакции.
type Submitter struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	attempts  int
	delay     time.Duration
	now       func() time.Time
}

// NewSubmitter создаёт Submitter.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	attempts := cfg.PublishAttempts
	if attempts <= 0 {
		attempts = DefaultPublishAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Submitter{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    logger,
		attempts:  attempts,
		delay:     delay,
		now:       now,
	}
}

// Submit сохраняет транзакцию в RECEIVED/INGESTING и отправляет её ID в ingest.
//
// raw сохраняется как есть. Проверяется только наличие обязательных полей,
// остальное проверяет стадия ingest.
//
// Если публикация не удалась после всех попыток, транзакция всё равно
// возвращается: она уже сохранена, и её подберёт reconciler.
func (s *Submitter) Submit(ctx context.Context, raw json.RawMessage) (*domain.Transaction, error) {
	var payload domain.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
	}
	if err := payload.CheckRequired(); err != nil {
		return nil, err
	}

	tx := domain.NewTransaction(uuid.New(), raw, s.now())
	logger := telemetry.WithTransactionID(s.logger, tx.ID.String())

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	telemetry.TransactionsSubmitted.Inc()

	if err := s.publish(ctx, tx.ID, logger); err != nil {
		telemetry.TransactionsOrphaned.Inc()
		logger.Error("transaction stored but not published to ingest",
			"attempts", s.attempts,
			"error", err,
		)
		return tx, nil
	}

	logger.Info("transaction submitted")
	return tx, nil
}

func (s *Submitter) publish(ctx context.Context, id uuid.UUID, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.publisher.PublishTransaction(ctx, mq.RoutingKeyIngest, id); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}

		logger.Warn("publish to ingest failed, retrying", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		case <-time.After(s.delay * time.Duration(attempt)):
		}
	}
	return err
}
