// Package worker обрабатывает сообщения из очередей задач.
//
// # Обзор
//
// Worker — stateless компонент: он читает сообщения из очереди с
// at-least-once доставкой, передаёт их обработчикам по типу задачи,
// держит lease (visibility timeout) на время обработки, ограничивает
// конкурентность и решает судьбу сообщения после каждой попытки:
// удалить, повторить с backoff или отправить в DLQ.
//
// Workers масштабируются горизонтально — несколько экземпляров
// читают одну очередь. Очередь может доставить сообщение повторно,
// поэтому обработчики обязаны быть идемпотентными.
//
// # Ключевые компоненты
//
// ## Supervisor
//
// Владеет процессорами очередей, запускает их параллельно (errgroup),
// координирует остановку и собирает health по cron-расписанию.
//
//	s, err := worker.New(worker.Config{
//	    Queues: []worker.Binding{{Queue: queueCfg, Client: client}},
//	    Options: worker.Options{ShutdownGrace: 30 * time.Second},
//	    Logger:  logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := s.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Stop()
//
// ## Processor
//
// Цикл poll/dispatch для одной очереди. Новый receive выполняется только
// при свободных слотах (semaphore на PrefetchCount), поэтому излишек
// сообщений остаётся в очереди, а не во внутреннем буфере.
//
// Состояния сообщения:
//
//	RECEIVED → DISPATCHING → COMPLETED | FAILED | EXPIRED
//
// EXPIRED — обработчик не уложился в ProcessingTimeout. Для политики
// это то же, что FAILED, но логируется отдельно.
//
// ## Handler и Registry
//
//	type Handler interface {
//	    Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error)
//	}
//
// Registry — реестр обработчиков по типу задачи, заполняется при старте.
// Встроенные обработчики — в пакете tasks.
//
// # Retry
//
// Retry не опирается на повторную доставку очередью: оригинал удаляется,
// а в очередь публикуется копия с retry_count+1 и задержкой
//
//	delay = min(BaseDelay * 2^retry_count, MaxDelay)
//
// Счётчик живёт в теле сообщения и переживает рестарт воркера.
// Для EXPIRED задержка не меньше visibility timeout.
//
// # Ошибки
//
//   - transient — сеть, сбой сервиса, таймаут, паника обработчика: retry
//   - non_retriable — неизвестный тип задачи, невалидное сообщение,
//     Permanent(err): сразу в DLQ, бюджет retry не расходуется
//   - exhausted — retry_count >= max_retries: в DLQ
//
// Ошибки обработчиков никогда не останавливают цикл poll. Ошибка receive
// логируется, и poll повторяется с exponential backoff.
//
// # Остановка
//
// При отмене контекста процессор перестаёт вызывать receive и ждёт
// in-flight сообщения не дольше ShutdownGrace. Затем их контекст
// отменяется; брошенные сообщения не удаляются и вернутся в очередь
// после истечения visibility timeout.
package worker
