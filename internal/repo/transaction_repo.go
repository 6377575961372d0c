package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/txpipe/internal/domain"
)

// uniqueViolation — код ошибки PostgreSQL для нарушения уникальности.
const uniqueViolation = "23505"

const transactionColumns = `id, status, stage, data, risk_score, reason, redrive_count, created_at, updated_at`

// TransactionRepo — репозиторий для работы с транзакциями.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

// NewTransactionRepo создаёт новый TransactionRepo.
func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// TransactionUpdate — новые значения полей при переходе состояния.
type TransactionUpdate struct {
	State domain.State

	// RiskScore — nil оставляет текущее значение.
	RiskScore *float64

	// Reason — пустая строка оставляет текущее значение.
	Reason string

	UpdatedAt time.Time
}

// TransactionFilter — параметры фильтрации транзакций.
type TransactionFilter struct {
	Status domain.Status
	Stage  domain.Stage
	Limit  int
	Offset int
}

// Create сохраняет новую транзакцию.
func (r *TransactionRepo) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, status, stage, data, risk_score, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		tx.ID,
		string(tx.Status),
		nullString(string(tx.Stage)),
		[]byte(tx.Payload),
		tx.RiskScore,
		nullString(tx.Reason),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID возвращает транзакцию по ID.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// Update атомарно переводит транзакцию из expected в upd.State.
//
// Строка обновляется, только если её текущие status и stage совпадают
// с expected. Иначе возвращается ErrConflict (или ErrNotFound, если
// записи нет).
func (r *TransactionRepo) Update(ctx context.Context, id uuid.UUID, expected domain.State, upd TransactionUpdate) (*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = $4,
		    stage = $5,
		    risk_score = COALESCE($6, risk_score),
		    reason = COALESCE($7, reason),
		    redrive_count = 0,
		    updated_at = $8
		WHERE id = $1
		  AND status = $2
		  AND stage IS NOT DISTINCT FROM $3
		RETURNING ` + transactionColumns

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query,
		id,
		string(expected.Status),
		nullString(string(expected.Stage)),
		string(upd.State.Status),
		nullString(string(upd.State.Stage)),
		upd.RiskScore,
		nullString(upd.Reason),
		upd.UpdatedAt,
	))
	if !errors.Is(err, ErrNotFound) {
		return tx, err
	}
	return nil, r.missingOrConflict(ctx, id)
}

// Touch отмечает переотправку: увеличивает redrive_count и сдвигает
// updated_at на now. Запись меняется, только если её состояние и updated_at
// всё ещё равны expected и seen. Иначе ErrConflict (или ErrNotFound).
func (r *TransactionRepo) Touch(ctx context.Context, id uuid.UUID, expected domain.State, seen, now time.Time) (*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET redrive_count = redrive_count + 1,
		    updated_at = $5
		WHERE id = $1
		  AND status = $2
		  AND stage IS NOT DISTINCT FROM $3
		  AND updated_at = $4
		RETURNING ` + transactionColumns

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query,
		id,
		string(expected.Status),
		nullString(string(expected.Stage)),
		seen,
		now,
	))
	if !errors.Is(err, ErrNotFound) {
		return tx, err
	}
	return nil, r.missingOrConflict(ctx, id)
}

// missingOrConflict объясняет условный UPDATE, не затронувший строк:
// записи нет или её уже изменили.
func (r *TransactionRepo) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check transaction: %w", err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

// List возвращает список транзакций с фильтрацией, новые первыми.
func (r *TransactionRepo) List(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::text IS NULL OR stage = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Status)),
		nullString(string(filter.Stage)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ListStale возвращает незавершённые транзакции, не обновлявшиеся с before
// и переотправленные меньше maxRedrives раз. Старые первыми.
func (r *TransactionRepo) ListStale(ctx context.Context, before time.Time, maxRedrives, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status IN ('RECEIVED', 'PENDING')
		  AND updated_at < $1
		  AND redrive_count < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, before, maxRedrives, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale transactions: %w", err)
	}
	return collectTransactions(rows)
}

// --- Helpers ---

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// scanTransaction сканирует одну строку в Transaction.
// pgx.Rows удовлетворяет pgx.Row, поэтому хелпер один.
func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx     domain.Transaction
		status string
		stage  *string
		data   []byte
		reason *string
	)

	err := row.Scan(
		&tx.ID,
		&status,
		&stage,
		&data,
		&tx.RiskScore,
		&reason,
		&tx.Redrives,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	if tx.Status, err = domain.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("scan transaction %s: %w", tx.ID, err)
	}
	if stage != nil {
		if tx.Stage, err = domain.ParseStage(*stage); err != nil {
			return nil, fmt.Errorf("scan transaction %s: %w", tx.ID, err)
		}
	}
	if reason != nil {
		tx.Reason = *reason
	}
	tx.Payload = data

	return &tx, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
