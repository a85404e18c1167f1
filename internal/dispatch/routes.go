package dispatch

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/shaiso/taskworker/internal/queue"
)

// DefaultExchange — exchange по умолчанию для Publish.
const DefaultExchange = "tasks"

// Route — адрес публикации.
type Route struct {
	Exchange   string
	RoutingKey string
}

func (r Route) String() string {
	return r.Exchange + "/" + r.RoutingKey
}

// Routes — таблица маршрутов (exchange, routing key) → очередь.
//
// Для SQS и SQLite exchange — лишь часть адреса: каждый маршрут
// привязан к своей очереди. Для RabbitMQ маршрут совпадает с binding'ом.
type Routes struct {
	defaultExchange string

	mu      sync.RWMutex
	senders map[Route]queue.Sender
}

// NewRoutes создаёт пустую таблицу. Пустой defaultExchange — DefaultExchange.
func NewRoutes(defaultExchange string) *Routes {
	if defaultExchange == "" {
		defaultExchange = DefaultExchange
	}
	return &Routes{
		defaultExchange: defaultExchange,
		senders:         make(map[Route]queue.Sender),
	}
}

// Add регистрирует очередь для маршрута.
func (r *Routes) Add(exchange, routingKey string, sender queue.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[r.route(exchange, routingKey)] = sender
}

// Lookup возвращает очередь маршрута.
func (r *Routes) Lookup(exchange, routingKey string) (queue.Sender, Route, error) {
	route := r.route(exchange, routingKey)

	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.senders[route]
	if !ok {
		return nil, route, fmt.Errorf("%w: %s", ErrUnknownRoute, route)
	}
	return sender, route, nil
}

// List возвращает зарегистрированные маршруты.
func (r *Routes) List() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(r.senders), func(a, b Route) int {
		return cmp.Or(cmp.Compare(a.Exchange, b.Exchange), cmp.Compare(a.RoutingKey, b.RoutingKey))
	})
}

func (r *Routes) route(exchange, routingKey string) Route {
	if exchange == "" {
		exchange = r.defaultExchange
	}
	return Route{Exchange: exchange, RoutingKey: routingKey}
}
