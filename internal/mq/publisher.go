package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/txpipe/internal/telemetry"
)

// DefaultPublishTimeout — ограничение на публикацию с ожиданием подтверждения.
const DefaultPublishTimeout = 5 * time.Second

// publisherChannel — канал публикации, отдельный от каналов консьюмеров.
const publisherChannel = "publisher"

// MessageTypeTransaction — префикс типа сообщения стадии: transaction.<routing key>.
const MessageTypeTransaction = "transaction"

// PublisherConfig — конфигурация Publisher.
type PublisherConfig struct {
	// Exchange — exchange по умолчанию.
	Exchange string

	// Confirm — ждать подтверждения брокера.
	Confirm bool

	// Timeout — общий таймаут публикации (канал + publish + confirm).
	Timeout time.Duration
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	client *Client
	cfg    PublisherConfig
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(client *Client, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublishTimeout
	}

	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

type publishOptions struct {
	exchange   string
	persistent bool
	msgType    string
	messageID  string
}

// PublishOption меняет параметры одной публикации.
type PublishOption func(*publishOptions)

// WithExchange публикует в другой exchange.
func WithExchange(name string) PublishOption {
	return func(o *publishOptions) { o.exchange = name }
}

// Transient отключает persistent delivery mode.
func Transient() PublishOption {
	return func(o *publishOptions) { o.persistent = false }
}

// WithType задаёт AMQP type сообщения.
func WithType(t string) PublishOption {
	return func(o *publishOptions) { o.msgType = t }
}

// WithMessageID задаёт MessageId вместо сгенерированного.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) { o.messageID = id }
}

// StageMessage — тело сообщения между стадиями.
type StageMessage struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// DecodeStageMessage разбирает тело сообщения стадии.
func DecodeStageMessage(body []byte) (StageMessage, error) {
	var msg StageMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("decode stage message: %w", err)
	}
	if msg.TransactionID == uuid.Nil {
		return msg, errors.New("decode stage message: missing transaction_id")
	}
	return msg, nil
}

// Publish сериализует payload в JSON и публикует его с routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey RoutingKey, payload any, opts ...PublishOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.PublishBody(ctx, routingKey, body, opts...)
}

// PublishTransaction публикует {"transaction_id": id} в очередь стадии.
func (p *Publisher) PublishTransaction(ctx context.Context, routingKey RoutingKey, id uuid.UUID) error {
	return p.Publish(ctx, routingKey, StageMessage{TransactionID: id},
		WithType(MessageTypeTransaction+"."+string(routingKey)),
	)
}

// PublishBody публикует готовое JSON тело.
//
// С включёнными confirms возвращает nil только после подтверждения брокера.
// Отказ, таймаут или закрытый канал — ErrPublishFailed.
func (p *Publisher) PublishBody(ctx context.Context, routingKey RoutingKey, body []byte, opts ...PublishOption) error {
	o := publishOptions{
		exchange:   p.cfg.Exchange,
		persistent: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.messageID == "" {
		o.messageID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err := p.publish(ctx, routingKey, body, o)

	result := "ok"
	if err != nil {
		result = "failed"
	}
	telemetry.Publishes.WithLabelValues(string(routingKey), result).Inc()

	return err
}

func (p *Publisher) publish(ctx context.Context, routingKey RoutingKey, body []byte, o publishOptions) error {
	ch, err := p.client.OpenChannel(ctx, ChannelOptions{Name: publisherChannel, Confirm: p.cfg.Confirm})
	if err != nil {
		return err
	}

	mode := amqp.Transient
	if o.persistent {
		mode = amqp.Persistent // сообщение переживёт рестарт RabbitMQ
	}

	conf, err := ch.Publish(ctx, o.exchange, string(routingKey), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    o.messageID,
		Type:         o.msgType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish to %s/%s: %w", ErrPublishFailed, o.exchange, routingKey, err)
	}

	if p.cfg.Confirm && conf != nil {
		acked, err := conf.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("%w: wait confirm for %s: %w", ErrPublishFailed, o.messageID, err)
		}
		if !acked {
			return fmt.Errorf("%w: broker nacked %s", ErrPublishFailed, o.messageID)
		}
	}

	p.logger.Debug("published message",
		"exchange", o.exchange,
		"routing_key", routingKey,
		"message_id", o.messageID,
		"type", o.msgType,
	)

	return nil
}
