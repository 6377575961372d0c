package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/repo"
)

// Store — хранилище транзакций. Реализуется repo.TransactionRepo.
//
// Update меняет запись только если её текущее состояние равно expected,
// иначе возвращает repo.ErrConflict.
type Store interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	Update(ctx context.Context, id uuid.UUID, expected domain.State, upd repo.TransactionUpdate) (*domain.Transaction, error)
}

// Publisher публикует ID транзакции в очередь стадии. Реализуется mq.Publisher.
type Publisher interface {
	PublishTransaction(ctx context.Context, routingKey mq.RoutingKey, id uuid.UUID) error
}

// Notifier получает транзакции, по которым принято финальное решение.
type Notifier interface {
	TransactionDecided(ctx context.Context, tx *domain.Transaction) error
}

var (
	_ Store     = (*repo.TransactionRepo)(nil)
	_ Publisher = (*mq.Publisher)(nil)
)
