package mq

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn — соединение с брокером.
// Реализуется поверх *amqp.Connection; в тестах подменяется.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel — AMQP канал в объёме, который нужен pipeline.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	// Publish публикует сообщение. Confirmation == nil, если канал не в режиме confirm.
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)

	// Consume подписывается на очередь с ручным подтверждением.
	Consume(queue, consumer string, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)

	IsClosed() bool
	Close() error
}

// Confirmation — отложенное подтверждение публикации.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Dialer устанавливает соединение с брокером.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialAMQP — Dialer поверх amqp091-go. TCP и AMQP handshake ограничены ctx.
func DialAMQP(ctx context.Context, url string) (Conn, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			nc, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Дедлайн снимается библиотекой после handshake.
			if deadline, ok := ctx.Deadline(); ok {
				if err := nc.SetDeadline(deadline); err != nil {
					nc.Close()
					return nil, err
				}
			}
			return nc, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}

func (c amqpChannel) Consume(queue, consumer string, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.Channel.Consume(
		queue,    // queue
		consumer, // consumer tag
		false,    // auto-ack (мы ack вручную)
		false,    // exclusive
		false,    // no-local
		false,    // no-wait
		args,     // args
	)
}
