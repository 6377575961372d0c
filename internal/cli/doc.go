// Package cli реализует утилиту командной строки txpipe.
//
// CLI работает с API по HTTP и не импортирует внутренние пакеты:
// типы ответов продублированы в client.go.
//
// Команды:
//   - tx: submit, show, list
//   - dlq: replay
//
// Каждая группа создаётся фабрикой (NewTxCmd, NewDLQCmd), которая
// принимает clientFn и outputFn. Client и Output создаются лениво,
// после разбора PersistentFlags (--api-url, --json).
//
// Данные печатаются в stdout, сообщения в stderr:
//
//	txpipe tx list --status REJECTED --json | jq .
package cli
