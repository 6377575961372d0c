// Package pipeline связывает очереди стадий с хранилищем транзакций.
//
// Каждая стадия (ingest, rules, risk) — отдельный consumer своей очереди.
// Сообщение несёт только transaction_id; запись читается из Store,
// стадия выполняется Processor'ом, результат проходит через
// domain.Transition и записывается условным Update. После успешной
// записи ID публикуется в очередь следующей стадии, а финальное
// решение отправляется в Notifier.
//
// Сообщение подтверждается только после того, как оба эффекта (запись
// и публикация) выполнены. Повторная доставка уже обработанной
// транзакции подтверждается без повторной обработки.
//
// Структура:
//   - processor.go  — Processor, Registry, маршруты стадий
//   - processors.go — процессоры по умолчанию
//   - stage.go      — StageWorker: обработка одной доставки
//   - submitter.go  — приём новых транзакций
//   - pipeline.go   — запуск consumers выбранных стадий
package pipeline
