package worker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/shaiso/taskworker/internal/domain"
)

// Handler — обработчик задачи определённого типа.
//
// Контракт:
//   - (result, nil) с result.Status == COMPLETED — успех
//   - (result, nil) с result.Status == FAILED — временная ошибка, будет retry
//   - (_, err) — ошибка; Permanent(err) отправляет сообщение в DLQ без retry
//
// Обработчик обязан быть идемпотентным: одно и то же сообщение может быть
// доставлено несколько раз. ctx отменяется по processing timeout и при
// остановке воркера после grace period.
type Handler interface {
	Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error)

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	return f(ctx, msg)
}

// Registry — реестр обработчиков по типу задачи.
//
// Заполняется при старте и далее используется только на чтение.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register добавляет обработчик для типа задачи.
func (r *Registry) Register(taskType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = handler
}

// Get возвращает обработчик для типа задачи.
func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[taskType]
	if !ok {
		return nil, &UnknownHandlerError{TaskType: taskType, Known: slices.Collect(maps.Keys(r.handlers))}
	}
	return handler, nil
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Subset собирает набор обработчиков для очереди.
// Неизвестное имя — ошибка конфигурации.
func (r *Registry) Subset(taskTypes ...string) (map[string]Handler, error) {
	out := make(map[string]Handler, len(taskTypes))
	for _, taskType := range taskTypes {
		if _, dup := out[taskType]; dup {
			return nil, fmt.Errorf("%w: duplicate handler %q", ErrInvalidQueueConfig, taskType)
		}
		handler, err := r.Get(taskType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQueueConfig, err)
		}
		out[taskType] = handler
	}
	return out, nil
}
