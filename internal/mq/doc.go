// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — Client: ленивое соединение, кэш каналов, reconnect, graceful shutdown
//   - amqp.go       — интерфейсы Conn/Channel поверх amqp091-go
//   - topology.go   — объявление exchanges, queues, bindings, DLQ
//   - publisher.go  — публикация сообщений с publisher confirms
//   - consumer.go   — потребление с prefetch, ack/requeue/dead-letter, drain
//   - deadletter.go — переотправка сообщений из DLQ
//
// Формат сообщения между стадиями: {"transaction_id": "<uuid>"},
// content-type application/json, persistent.
//
// Exchanges:
//   - txn-pipeline     — стадии (ingest, rules, risk)
//   - txn-pipeline.dlx — dead-letter, очереди <queue>.dlq
package mq
