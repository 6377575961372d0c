package attempts

import (
	"context"
	"sync"
)

// Memory — счётчик попыток в памяти процесса.
type Memory struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemory создаёт пустой счётчик.
func NewMemory() *Memory {
	return &Memory{counts: make(map[string]int64)}
}

// Incr увеличивает счётчик и возвращает новое значение.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[key]++
	return m.counts[key], nil
}

// Reset удаляет счётчик.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counts, key)
	return nil
}

// Len возвращает количество активных счётчиков.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}
