// Package reconciler переотправляет зависшие транзакции.
//
// Транзакция зависает, если её запись сохранена, но сообщение в очередь
// стадии потеряно: публикация при приёме не удалась или воркер продвинул
// запись, но не смог опубликовать её в следующую очередь. Reconciler по
// расписанию (robfig/cron) находит незавершённые записи, которые не
// обновлялись дольше StaleAfter, и публикует их ID в очередь текущей
// стадии. Consumers идемпотентны, поэтому лишнее сообщение безопасно.
//
// Тик выполняет только лидер: экземпляр, удерживающий advisory lock в
// PostgreSQL. Остальные экземпляры пропускают тик.
package reconciler
