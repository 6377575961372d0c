package domain

import "errors"

// Ошибки доменной модели.
var (
	// ErrIllegalTransition — переход не описан машиной состояний.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrTerminalState — транзакция уже в финальном статусе.
	ErrTerminalState = errors.New("transaction is in terminal state")

	// ErrInvalidPayload — поля транзакции не прошли проверку.
	ErrInvalidPayload = errors.New("invalid payload")
)
