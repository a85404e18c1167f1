// Package telemetry — логи и метрики воркера.
//
// logging.go настраивает slog (JSON или text, уровень из конфигурации)
// и хранит логгер в context. Поля task_id и queue добавляются
// через WithTaskID и WithQueue.
//
// metrics.go регистрирует Prometheus-коллекторы: полученные сообщения,
// исходы попыток, длительность обработки, in-flight, глубину очередей,
// ошибки poll и опубликованные задачи. Все методы Metrics допускают nil
// получателя, поэтому воркер работает и без метрик.
package telemetry
