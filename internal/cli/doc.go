// Package cli реализует инструмент командной строки taskworker.
//
// # Обзор
//
// CLI работает с очередями напрямую через backend из конфигурации:
// публикует задачи, показывает глубину очередей и содержимое DLQ,
// а также запускает воркер в текущем процессе.
//
// # Ключевые компоненты
//
// ## Session
//
// Загруженная конфигурация и открытый backend. Создаётся лениво,
// после парсинга PersistentFlags, и закрывается в конце команды.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: taskworker dlq peek --json | jq .
//
// ## Commands
//
//   - publish TASK_TYPE: публикация через Dispatcher (--payload, --field, --delay)
//   - stats [QUEUE...]: visible / in-flight / delayed
//   - dlq peek [QUEUE]: записи DLQ без удаления
//   - worker: Supervisor, /healthz и /metrics
//
// Каждая команда создаётся через фабричную функцию (NewPublishCmd и т.д.),
// принимающую sessionFn и outputFn.
package cli
