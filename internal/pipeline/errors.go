package pipeline

import "errors"

// Ошибки обработки сообщений стадий.
var (
	// ErrMessageMalformed — тело сообщения не {"transaction_id": "<uuid>"}.
	ErrMessageMalformed = errors.New("malformed stage message")

	// ErrRecordNotFound — транзакции из сообщения нет в хранилище.
	ErrRecordNotFound = errors.New("transaction record not found")

	// ErrStageMismatch — запись ещё не дошла до стадии, получившей сообщение.
	ErrStageMismatch = errors.New("transaction is not at this stage")

	// ErrStageProcessing — временная ошибка процессора стадии.
	ErrStageProcessing = errors.New("stage processing failed")

	// ErrUnknownStage — для стадии нет процессора или маршрута.
	ErrUnknownStage = errors.New("unknown stage")
)
