// Package api содержит HTTP API приёма транзакций.
//
// Структура:
//   - handler.go             — Handler с DI (submitter, хранилище, replay DLQ, logger)
//   - routes.go              — регистрация маршрутов
//   - middleware.go          — middleware (recovery, logging, metrics)
//   - response.go            — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                 — Data Transfer Objects (request/response)
//   - transaction_handler.go — обработчики для /transactions
//   - dlq_handler.go         — переотправка сообщений из DLQ
//   - health_handler.go      — /, /healthcheck, /healthz
//
// POST /api/v1/transactions сохраняет транзакцию и отправляет её в
// pipeline; дальнейший статус читается через GET.
package api
