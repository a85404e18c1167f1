package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
)

// MemoryStore — журнал в памяти процесса. Защищает только от повторов
// внутри одного экземпляра воркера.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	result    domain.TaskResult
	expiresAt time.Time
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)

// NewMemoryStore создаёт журнал. ttl <= 0 — записи не истекают.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// Lookup возвращает копию сохранённого результата.
func (s *MemoryStore) Lookup(_ context.Context, taskID string) (*domain.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, taskID)
		return nil, ErrNotFound
	}
	result := e.result
	return &result, nil
}

// Save сохраняет результат; существующая запись не перезаписывается.
func (s *MemoryStore) Save(_ context.Context, result *domain.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[result.TaskID]; ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
		return nil
	}

	e := memoryEntry{result: *result}
	if s.ttl > 0 {
		e.expiresAt = now.Add(s.ttl)
	}
	s.entries[result.TaskID] = e
	return nil
}

// Len возвращает число записей, включая истёкшие.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep удаляет истёкшие записи.
func (s *MemoryStore) Sweep(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for id, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}
