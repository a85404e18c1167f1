// Package mq — RabbitMQ backend очереди задач.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect с exponential backoff)
//   - topology.go   — exchange, рабочая очередь, DLX/DLQ и delay-очереди
//   - publisher.go  — публикация задач и записей DLQ
//   - client.go     — queue.Client поверх basic.consume с prefetch
//
// Retry публикуется в delay-очередь "<queue>.delay.<ms>" с x-message-ttl;
// по истечении TTL брокер перекладывает сообщение в рабочую очередь через
// default exchange. Записи DLQ публикуются в DLX с routing key = имя DLQ.
package mq
