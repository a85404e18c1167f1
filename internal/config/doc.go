// Package config загружает конфигурацию воркера.
//
// Источники по возрастанию приоритета: значения по умолчанию, YAML-файл
// (--config или TASKWORKER_CONFIG), переменные окружения с префиксом
// TASKWORKER_ (точка в ключе заменяется на "_": TASKWORKER_WORKER_POLL_WAIT).
//
// Список очередей задаётся только в файле. Без файла воркер обрабатывает
// одну очередь tasks.main всеми встроенными обработчиками.
package config
