package mq

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Ошибки транспорта.
var (
	// ErrBrokerUnavailable — брокер недоступен (dial, открытие канала, таймаут).
	// Вызывающая сторона может повторить операцию.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrTopologyConflict — объявление exchange/queue расходится с уже существующим.
	// Требует вмешательства оператора.
	ErrTopologyConflict = errors.New("topology conflict")

	// ErrPublishFailed — брокер не подтвердил публикацию.
	// Повтор безопасен: в сообщении только идентификатор.
	ErrPublishFailed = errors.New("publish failed")

	// ErrClientClosed — клиент уже закрыт.
	ErrClientClosed = errors.New("mq client closed")
)

// permanentError помечает ошибку обработчика как неповторяемую.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую: консьюмер подтвердит
// сообщение и не будет отправлять его на повтор.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent сообщает, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// isPreconditionFailed — сервер отклонил объявление с другими параметрами (406).
func isPreconditionFailed(err error) bool {
	var aerr *amqp.Error
	return errors.As(err, &aerr) && aerr.Code == amqp.PreconditionFailed
}
