package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/txpipe/internal/telemetry"
)

// fakeBroker имитирует сервер RabbitMQ в объёме, нужном тестам пакета:
// объявления с проверкой параметров, публикации, подписки и Get.
type fakeBroker struct {
	mu sync.Mutex

	dials     int
	dialErr   error
	dialDelay time.Duration
	conns     []*fakeConn

	channelsOpened int

	exchanges map[string]string
	queues    map[string]string
	bindings  map[string]struct{}

	nackPublishes bool
	published     []publishedMessage

	consumers map[string]*fakeConsumer
	stored    map[string][]amqp.Delivery

	acks *fakeAcker
}

type publishedMessage struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type fakeConsumer struct {
	tag        string
	deliveries chan amqp.Delivery
	once       sync.Once
}

func (fc *fakeConsumer) stop() {
	fc.once.Do(func() { close(fc.deliveries) })
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]string),
		bindings:  make(map[string]struct{}),
		consumers: make(map[string]*fakeConsumer),
		stored:    make(map[string][]amqp.Delivery),
		acks:      newFakeAcker(),
	}
}

func (b *fakeBroker) dial(ctx context.Context, _ string) (Conn, error) {
	b.mu.Lock()
	b.dials++
	delay, dialErr := b.dialDelay, b.dialErr
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	conn := &fakeConn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) channelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsOpened
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) publishedMessages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.published...)
}

func (b *fakeBroker) consumer(queue string) *fakeConsumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumers[queue]
}

var deliveryTags atomic.Uint64

// deliver отправляет сообщение подписчику очереди и возвращает его delivery tag.
func (b *fakeBroker) deliver(queue, messageID string, body []byte, redelivered bool) uint64 {
	tag := deliveryTags.Add(1)
	fc := b.consumer(queue)
	fc.deliveries <- amqp.Delivery{
		Acknowledger: b.acks,
		DeliveryTag:  tag,
		MessageId:    messageID,
		Body:         body,
		Redelivered:  redelivered,
		ContentType:  "application/json",
	}
	return tag
}

// store кладёт сообщение в очередь для Get.
func (b *fakeBroker) store(queue, messageID string, body []byte) uint64 {
	tag := deliveryTags.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored[queue] = append(b.stored[queue], amqp.Delivery{
		Acknowledger: b.acks,
		DeliveryTag:  tag,
		MessageId:    messageID,
		Body:         body,
	})
	return tag
}

type fakeConn struct {
	broker *fakeBroker

	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
}

func (c *fakeConn) Channel() (Channel, error) {
	if c.IsClosed() {
		return nil, amqp.ErrClosed
	}
	c.broker.mu.Lock()
	c.broker.channelsOpened++
	c.broker.mu.Unlock()
	return &fakeChannel{broker: c.broker, conn: c}, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

// drop имитирует обрыв соединения сервером.
func (c *fakeConn) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
}

func (c *fakeConn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.notify {
		if reason != nil {
			ch <- reason
		}
		close(ch)
	}
	c.notify = nil
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConn

	mu       sync.Mutex
	closed   bool
	prefetch int
	confirm  bool
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Confirm(bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirm = true
	return nil
}

// fail закрывает канал, как это делает сервер при ошибке канала.
func (ch *fakeChannel) fail(code int, reason string) error {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	return &amqp.Error{Code: code, Reason: reason, Server: true}
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, _ bool, _ amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	sig := fmt.Sprint(kind, durable, autoDelete, internal)

	b := ch.broker
	b.mu.Lock()
	existing, ok := b.exchanges[name]
	if !ok {
		b.exchanges[name] = sig
	}
	b.mu.Unlock()

	if ok && existing != sig {
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange "+name)
	}
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	sig := fmt.Sprint(durable, autoDelete, exclusive, map[string]any(args))

	b := ch.broker
	b.mu.Lock()
	existing, ok := b.queues[name]
	if !ok {
		b.queues[name] = sig
	}
	b.mu.Unlock()

	if ok && existing != sig {
		return amqp.Queue{}, ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg for queue "+name)
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[exchange+"/"+key+"->"+name] = struct{}{}
	return nil
}

func (ch *fakeChannel) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	b.published = append(b.published, publishedMessage{Exchange: exchange, Key: key, Msg: msg})
	nack := b.nackPublishes
	b.mu.Unlock()

	ch.mu.Lock()
	confirm := ch.confirm
	ch.mu.Unlock()
	if !confirm {
		return nil, nil
	}
	return fakeConfirmation{ack: !nack}, nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	fc := &fakeConsumer{tag: consumer, deliveries: make(chan amqp.Delivery, 16)}

	b := ch.broker
	b.mu.Lock()
	b.consumers[queue] = fc
	b.mu.Unlock()
	return fc.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	var found *fakeConsumer
	for _, fc := range b.consumers {
		if fc.tag == consumer {
			found = fc
		}
	}
	b.mu.Unlock()

	if found == nil {
		return errors.New("unknown consumer " + consumer)
	}
	found.stop()
	return nil
}

func (ch *fakeChannel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	if ch.IsClosed() {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.stored[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	b.stored[queue] = msgs[1:]
	return msgs[0], true, nil
}

func (ch *fakeChannel) IsClosed() bool {
	if ch.conn.IsClosed() {
		return true
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closed = true
	return nil
}

type fakeConfirmation struct {
	ack bool
}

func (c fakeConfirmation) WaitContext(context.Context) (bool, error) {
	return c.ack, nil
}

// fakeAcker записывает ack/nack по delivery tag.
type fakeAcker struct {
	mu      sync.Mutex
	results map[uint64]string
}

func newFakeAcker() *fakeAcker {
	return &fakeAcker{results: make(map[uint64]string)}
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.set(tag, "ack")
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		a.set(tag, "requeue")
	} else {
		a.set(tag, "dead-letter")
	}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) set(tag uint64, result string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[tag] = result
}

func (a *fakeAcker) result(tag uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results[tag]
}

// newTestClient создаёт Client поверх fakeBroker.
func newTestClient(b *fakeBroker, cfg ClientConfig) *Client {
	cfg.Dialer = b.dial
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = 10 * time.Millisecond
		cfg.ReconnectMax = 50 * time.Millisecond
	}
	return NewClient(cfg, telemetry.Discard())
}
