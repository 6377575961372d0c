package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/repo"
)

// Submitter принимает новые транзакции. Реализуется pipeline.Submitter.
type Submitter interface {
	Submit(ctx context.Context, raw json.RawMessage) (*domain.Transaction, error)
}

// TransactionReader читает транзакции. Реализуется repo.TransactionRepo.
type TransactionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	List(ctx context.Context, filter repo.TransactionFilter) ([]domain.Transaction, error)
}

// ReplayFunc переотправляет до limit сообщений из DLQ стадии.
type ReplayFunc func(ctx context.Context, route mq.Route, limit int) (int, error)

// ReadyFunc проверяет зависимости для /healthz.
type ReadyFunc func(ctx context.Context) error

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	submitter    Submitter
	transactions TransactionReader
	replay       ReplayFunc
	ready        ReadyFunc
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Submitter    Submitter
	Transactions TransactionReader

	// Replay — опционально; без него replay отвечает 503.
	Replay ReplayFunc

	// Ready — опционально; без него /healthz всегда ok.
	Ready ReadyFunc

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		submitter:    cfg.Submitter,
		transactions: cfg.Transactions,
		replay:       cfg.Replay,
		ready:        cfg.Ready,
		logger:       logger,
	}
}
