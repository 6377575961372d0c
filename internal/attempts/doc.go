// Package attempts считает попытки обработки доставок.
//
// Консьюмер увеличивает счётчик на каждую неудачную обработку сообщения
// и отправляет сообщение в dead-letter, когда счётчик достигает лимита.
//
// Реализации:
//   - Memory — в памяти процесса (по умолчанию)
//   - Redis  — общий счётчик для нескольких реплик воркера
package attempts
