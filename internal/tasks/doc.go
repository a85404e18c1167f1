// Package tasks содержит встроенные обработчики задач.
//
// Типы задач:
//   - send_email, send_sms — уведомления
//   - generate_report — тяжёлый отчёт (для очереди с низким prefetch)
//   - data_processing — агрегация / трансформация массива данных
//   - http_request — HTTP-запрос
//   - delay — ожидание с поддержкой отмены
//   - transform — pass-through payload
//
// Все обработчики идемпотентны: повторная доставка того же task_id
// не даёт дополнительных внешних эффектов, кроме повторного вызова
// внешнего сервиса. Для настоящей дедупликации используйте idempotency.Middleware.
//
// Флаг "fail": true в payload имитирует временный сбой (для проверки retry и DLQ).
package tasks
