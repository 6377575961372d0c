// Package notify отправляет события о финальном решении по транзакции.
//
// Kafka — событие DecisionEvent в топик (по умолчанию transactions.decided),
// ключ сообщения — ID транзакции, поэтому события одной транзакции
// попадают в одну партицию. Noop — когда брокеры Kafka не настроены.
//
// Отправка best-effort: ошибка считается в метрике и возвращается
// вызывающему, но не влияет на подтверждение сообщения стадии.
package notify
