package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/telemetry"
)

// DefaultWriteTimeout — ограничение на одну отправку.
const DefaultWriteTimeout = 5 * time.Second

// MessageWriter — часть kafka.Writer, которую использует Kafka.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig — параметры Kafka notifier.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Kafka публикует DecisionEvent в Kafka.
type Kafka struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafka создаёт notifier с kafka.Writer.
// Балансировка по хэшу ключа, запись подтверждается всеми репликами.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	logger = logger.With("component", "kafka", "topic", topic)

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Logger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	return NewKafkaWithWriter(w, cfg.WriteTimeout, logger)
}

// NewKafkaWithWriter создаёт notifier поверх готового writer'а.
func NewKafkaWithWriter(w MessageWriter, timeout time.Duration, logger *slog.Logger) *Kafka {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Kafka{writer: w, timeout: timeout, logger: logger}
}

// TransactionDecided отправляет событие о решении.
func (k *Kafka) TransactionDecided(ctx context.Context, tx *domain.Transaction) error {
	value, err := json.Marshal(NewDecisionEvent(tx))
	if err != nil {
		telemetry.DecisionEvents.WithLabelValues("failed").Inc()
		return fmt.Errorf("marshal decision event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.ID.String()),
		Value: value,
		Time:  tx.UpdatedAt,
	})
	if err != nil {
		telemetry.DecisionEvents.WithLabelValues("failed").Inc()
		return fmt.Errorf("write decision event %s: %w", tx.ID, err)
	}

	telemetry.DecisionEvents.WithLabelValues("sent").Inc()
	k.logger.Debug("decision event sent", "transaction_id", tx.ID, "status", tx.Status)
	return nil
}

// Close сбрасывает буфер и закрывает соединения.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Noop ничего не отправляет.
type Noop struct{}

func (Noop) TransactionDecided(context.Context, *domain.Transaction) error { return nil }
