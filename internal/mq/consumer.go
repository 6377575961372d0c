package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaevor/go-nanoid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/txpipe/internal/attempts"
	"github.com/shaiso/txpipe/internal/telemetry"
)

// Значения по умолчанию для ConsumerConfig.
const (
	DefaultMaxAttempts  = 5
	DefaultDrainTimeout = 30 * time.Second
)

// Handler — функция обработки сообщения.
//
// nil — сообщение подтверждается. Ошибка, обёрнутая в Permanent, —
// сообщение подтверждается и логируется. Любая другая ошибка —
// сообщение возвращается в очередь, а по исчерпании попыток уходит в DLQ.
type Handler func(ctx context.Context, d *Delivery) error

// AttemptTracker считает неудачные попытки обработки доставки.
type AttemptTracker interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Delivery — доставленное сообщение.
type Delivery struct {
	// Queue — очередь, из которой пришло сообщение.
	Queue Queue

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Body возвращает тело сообщения.
func (d *Delivery) Body() []byte {
	return d.Raw.Body
}

// MessageID возвращает AMQP message id.
func (d *Delivery) MessageID() string {
	return d.Raw.MessageId
}

// attemptKey — ключ счётчика попыток. Без MessageId ключом служит хэш тела.
func (d *Delivery) attemptKey() string {
	id := d.Raw.MessageId
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, d.Raw.Body).String()
	}
	return string(d.Queue) + ":" + id
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — лимит неподтверждённых сообщений и число параллельных обработчиков.
	Prefetch int

	// MaxAttempts — после стольких неудач сообщение уходит в DLQ.
	MaxAttempts int

	// Attempts — счётчик попыток. По умолчанию в памяти процесса.
	Attempts AttemptTracker

	// DrainTimeout — сколько ждать завершения обработчиков при остановке.
	DrainTimeout time.Duration
}

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	client *Client
	logger *slog.Logger
	cfg    ConsumerConfig

	channelName string
	tag         string

	// fallback считает попытки, пока Attempts недоступен.
	fallback *attempts.Memory

	mu         sync.Mutex
	cancelFunc context.CancelFunc
}

var newTagSuffix = func() func() string {
	gen, err := nanoid.Standard(12)
	if err != nil {
		panic(err)
	}
	return gen
}()

// NewConsumer создаёт новый Consumer.
func NewConsumer(client *Client, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Attempts == nil {
		cfg.Attempts = attempts.NewMemory()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	return &Consumer{
		client:      client,
		logger:      logger.With("queue", cfg.Queue),
		cfg:         cfg,
		channelName: "consumer:" + string(cfg.Queue),
		tag:         fmt.Sprintf("txpipe-%s-%s", cfg.Queue, newTagSuffix()),
		fallback:    attempts.NewMemory(),
	}
}

// Tag возвращает consumer tag.
func (c *Consumer) Tag() string {
	return c.tag
}

// Start запускает потребление и блокируется до отмены ctx или Stop.
// При разрыве соединения подписка восстанавливается. Возвращает nil
// после штатной остановки.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer cancel()

	delay := c.client.cfg.ReconnectMin

	for {
		if ctx.Err() != nil {
			return nil
		}

		ch, deliveries, err := c.subscribe(ctx)
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				return err
			}
			c.logger.Error("failed to setup consume", "error", err)
			if !c.wait(ctx, delay) {
				return nil
			}
			delay = min(delay*2, c.client.cfg.ReconnectMax)
			continue
		}

		delay = c.client.cfg.ReconnectMin
		c.logger.Info("consumer started", "tag", c.tag, "prefetch", c.cfg.Prefetch)

		if stopped := c.processDeliveries(ctx, ch, deliveries); stopped {
			c.logger.Info("consumer stopped", "tag", c.tag)
			return nil
		}

		c.logger.Warn("deliveries channel closed, resubscribing")
		if !c.wait(ctx, delay) {
			return nil
		}
	}
}

// wait ждёт переподключения или истечения задержки. false — ctx отменён.
func (c *Consumer) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-c.client.ReconnectNotify():
		return true
	case <-timer.C:
		return true
	}
}

// subscribe открывает канал консьюмера и начинает потребление.
func (c *Consumer) subscribe(ctx context.Context) (Channel, <-chan amqp.Delivery, error) {
	ch, err := c.client.OpenChannel(ctx, ChannelOptions{
		Name:     c.channelName,
		Prefetch: c.cfg.Prefetch,
	})
	if err != nil {
		return nil, nil, err
	}

	deliveries, err := ch.Consume(string(c.cfg.Queue), c.tag, nil)
	if err != nil {
		c.client.CloseChannel(c.channelName)
		return nil, nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	return ch, deliveries, nil
}

// processDeliveries раздаёт сообщения обработчикам, не больше Prefetch одновременно.
// Возвращает true, если остановка вызвана отменой ctx.
func (c *Consumer) processDeliveries(ctx context.Context, ch Channel, deliveries <-chan amqp.Delivery) bool {
	sem := make(chan struct{}, c.cfg.Prefetch)
	var inflight sync.WaitGroup

	// Обработчики доводят начатое до конца и после отмены ctx.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			c.drain(ch, deliveries, &inflight)
			return true

		case raw, ok := <-deliveries:
			if !ok {
				inflight.Wait()
				return false
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Сообщение получено, но обработка не начата.
				c.requeue(raw)
				c.drain(ch, deliveries, &inflight)
				return true
			}

			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer func() { <-sem }()
				c.handleDelivery(handlerCtx, raw)
			}()
		}
	}
}

// drain останавливает подписку: отменяет consumer, возвращает в очередь
// полученные, но не начатые сообщения, ждёт обработчиков и закрывает канал.
func (c *Consumer) drain(ch Channel, deliveries <-chan amqp.Delivery, inflight *sync.WaitGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()
	defer c.client.CloseChannel(c.channelName)

	if err := ch.Cancel(c.tag, false); err != nil {
		c.logger.Warn("cancel consumer", "tag", c.tag, "error", err)
	}

	requeued := 0
drainLoop:
	for {
		select {
		case raw, ok := <-deliveries:
			if !ok {
				break drainLoop
			}
			c.requeue(raw)
			requeued++
		case <-ctx.Done():
			c.logger.Warn("drain timeout: deliveries channel still open")
			break drainLoop
		}
	}

	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("drain timeout: in-flight handlers abandoned, broker will redeliver")
	}

	c.logger.Info("consumer drained", "requeued", requeued)
}

func (c *Consumer) requeue(raw amqp.Delivery) {
	if err := raw.Nack(false, true); err != nil {
		c.logger.Warn("failed to requeue delivery", "message_id", raw.MessageId, "error", err)
	}
}

// handleDelivery вызывает обработчик и выбирает судьбу сообщения.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	d := &Delivery{Queue: c.cfg.Queue, Raw: raw}
	logger := c.logger.With("message_id", raw.MessageId)

	logger.Debug("received message", "redelivered", raw.Redelivered)

	err := c.cfg.Handler(ctx, d)

	switch {
	case err == nil:
		c.ack(ctx, d, logger, "ack")

	case IsPermanent(err):
		logger.Error("message dropped", "error", err)
		c.ack(ctx, d, logger, "dropped")

	default:
		c.retry(ctx, d, logger, err)
	}
}

func (c *Consumer) ack(ctx context.Context, d *Delivery, logger *slog.Logger, disposition string) {
	if err := d.Raw.Ack(false); err != nil {
		logger.Warn("ack failed, broker will redeliver", "error", err)
		return
	}
	telemetry.Deliveries.WithLabelValues(string(c.cfg.Queue), disposition).Inc()

	// Счётчик есть только у сообщений, которые уже падали.
	if d.Raw.Redelivered {
		c.resetAttempts(ctx, d, logger)
	}
}

// retry возвращает сообщение в очередь или, по исчерпании попыток, в DLQ.
func (c *Consumer) retry(ctx context.Context, d *Delivery, logger *slog.Logger, cause error) {
	attempt, err := c.cfg.Attempts.Incr(ctx, d.attemptKey())
	if err != nil {
		// Граница MaxAttempts держится хотя бы в пределах процесса.
		logger.Warn("attempt tracker unavailable, counting locally", "error", err)
		attempt, _ = c.fallback.Incr(ctx, d.attemptKey())
	}

	if attempt >= int64(c.cfg.MaxAttempts) {
		logger.Error("max attempts reached, dead-lettering",
			"attempt", attempt,
			"error", cause,
		)
		if err := d.Raw.Nack(false, false); err != nil {
			logger.Warn("nack failed", "error", err)
			return
		}
		telemetry.Deliveries.WithLabelValues(string(c.cfg.Queue), "dead_lettered").Inc()
		c.resetAttempts(ctx, d, logger)
		return
	}

	logger.Warn("handler failed, requeue",
		"attempt", attempt,
		"max_attempts", c.cfg.MaxAttempts,
		"error", cause,
	)
	if err := d.Raw.Nack(false, true); err != nil {
		logger.Warn("nack failed", "error", err)
		return
	}
	telemetry.Deliveries.WithLabelValues(string(c.cfg.Queue), "requeued").Inc()
}

func (c *Consumer) resetAttempts(ctx context.Context, d *Delivery, logger *slog.Logger) {
	_ = c.fallback.Reset(ctx, d.attemptKey())
	if err := c.cfg.Attempts.Reset(ctx, d.attemptKey()); err != nil {
		logger.Warn("reset attempts", "error", err)
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}
