// Package pipelinetest содержит in-memory реализации зависимостей pipeline для тестов.
package pipelinetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/repo"
)

// MemoryStore повторяет семантику repo.TransactionRepo в памяти.
type MemoryStore struct {
	mu  sync.Mutex
	txs map[uuid.UUID]domain.Transaction

	// BeforeUpdate вызывается под блокировкой перед проверкой состояния.
	// Позволяет имитировать параллельную запись.
	BeforeUpdate func(tx *domain.Transaction)

	// BeforeTouch — то же для Touch.
	BeforeTouch func(tx *domain.Transaction)

	// Err, если задан, возвращается всеми методами.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[uuid.UUID]domain.Transaction)}
}

// Put сохраняет запись без проверок.
func (s *MemoryStore) Put(tx *domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = clone(tx)
}

// Get возвращает копию записи или nil.
func (s *MemoryStore) Get(id uuid.UUID) *domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil
	}
	c := clone(&tx)
	return &c
}

func (s *MemoryStore) Create(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.txs[tx.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.txs[tx.ID] = clone(tx)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	tx, ok := s.txs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	c := clone(&tx)
	return &c, nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, expected domain.State, upd repo.TransactionUpdate) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	tx, ok := s.txs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if s.BeforeUpdate != nil {
		s.BeforeUpdate(&tx)
		s.txs[id] = tx
	}
	if tx.State() != expected {
		return nil, repo.ErrConflict
	}

	tx.Status = upd.State.Status
	tx.Stage = upd.State.Stage
	if upd.RiskScore != nil {
		score := *upd.RiskScore
		tx.RiskScore = &score
	}
	if upd.Reason != "" {
		tx.Reason = upd.Reason
	}
	tx.Redrives = 0
	tx.UpdatedAt = upd.UpdatedAt
	s.txs[id] = tx

	c := clone(&tx)
	return &c, nil
}

// List фильтрует по статусу и стадии, новые первыми.
func (s *MemoryStore) List(_ context.Context, f repo.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var out []domain.Transaction
	for _, tx := range s.txs {
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if f.Stage != "" && tx.Stage != f.Stage {
			continue
		}
		out = append(out, clone(&tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Touch повторяет условный UPDATE репозитория: redrive +1, updated_at = now.
func (s *MemoryStore) Touch(_ context.Context, id uuid.UUID, expected domain.State, seen, now time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	tx, ok := s.txs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if s.BeforeTouch != nil {
		s.BeforeTouch(&tx)
		s.txs[id] = tx
	}
	if tx.State() != expected || !tx.UpdatedAt.Equal(seen) {
		return nil, repo.ErrConflict
	}

	tx.Redrives++
	tx.UpdatedAt = now
	s.txs[id] = tx

	c := clone(&tx)
	return &c, nil
}

// ListStale возвращает незавершённые записи старше before,
// переотправленные меньше maxRedrives раз. Старые первыми.
func (s *MemoryStore) ListStale(_ context.Context, before time.Time, maxRedrives, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var out []domain.Transaction
	for _, tx := range s.txs {
		if !tx.Status.IsTerminal() && tx.UpdatedAt.Before(before) && tx.Redrives < maxRedrives {
			out = append(out, clone(&tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(tx *domain.Transaction) domain.Transaction {
	c := *tx
	c.Payload = append([]byte(nil), tx.Payload...)
	if tx.RiskScore != nil {
		score := *tx.RiskScore
		c.RiskScore = &score
	}
	return c
}

// Published — одна публикация.
type Published struct {
	RoutingKey    mq.RoutingKey
	TransactionID uuid.UUID
}

// ErrPublish — ошибка по умолчанию для FailNext.
var ErrPublish = errors.New("publish failed")

// Publisher записывает публикации. Может отказывать первые N раз.
type Publisher struct {
	mu        sync.Mutex
	published []Published
	fail      int
	err       error

	// OnPublish вызывается после успешной публикации (вне блокировки).
	OnPublish func(Published)
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// FailNext заставляет следующие n публикаций вернуть err (или ErrPublish).
func (p *Publisher) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		err = ErrPublish
	}
	p.fail, p.err = n, err
}

func (p *Publisher) PublishTransaction(_ context.Context, key mq.RoutingKey, id uuid.UUID) error {
	p.mu.Lock()
	if p.fail > 0 {
		p.fail--
		err := p.err
		p.mu.Unlock()
		return err
	}
	msg := Published{RoutingKey: key, TransactionID: id}
	p.published = append(p.published, msg)
	hook := p.OnPublish
	p.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Published возвращает копию журнала публикаций.
func (p *Publisher) Published() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.published...)
}

// Notifier записывает транзакции с финальным решением.
type Notifier struct {
	mu      sync.Mutex
	decided []domain.Transaction
	Err     error
}

func (n *Notifier) TransactionDecided(_ context.Context, tx *domain.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decided = append(n.decided, clone(tx))
	return n.Err
}

func (n *Notifier) Decided() []domain.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Transaction(nil), n.decided...)
}
