// Package repo — слой хранения транзакций в PostgreSQL.
//
// Структура:
//   - db.go               — пул соединений pgx
//   - transaction_repo.go — CRUD и условное обновление состояния
//   - lock.go             — advisory lock для выбора лидера
//   - migrate.go          — встроенные миграции (golang-migrate)
//
// Update меняет status/stage только при совпадении текущего состояния
// с ожидаемым: параллельные повторные доставки одного сообщения не
// могут дважды продвинуть транзакцию.
package repo
