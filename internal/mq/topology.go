package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges по умолчанию.
const (
	DefaultExchange           = "txn-pipeline"
	DefaultDeadLetterExchange = "txn-pipeline.dlx"
)

// Queues — очереди стадий.
const (
	QueueIngest Queue = "ingest_queue"
	QueueRules  Queue = "rules_queue"
	QueueRisk   Queue = "risk_queue"
)

// Routing keys совпадают с именем стадии.
const (
	RoutingKeyIngest RoutingKey = "ingest"
	RoutingKeyRules  RoutingKey = "rules"
	RoutingKeyRisk   RoutingKey = "risk"
)

// topologyChannel — отдельный канал: 406 от сервера закрывает канал.
const topologyChannel = "topology"

// Route — очередь стадии и её routing key.
type Route struct {
	Queue      Queue
	RoutingKey RoutingKey
}

// Routes возвращает маршруты стадий в порядке pipeline.
func Routes() []Route {
	return []Route{
		{QueueIngest, RoutingKeyIngest},
		{QueueRules, RoutingKeyRules},
		{QueueRisk, RoutingKeyRisk},
	}
}

// RouteByKey находит маршрут по routing key (ingest, rules, risk).
func RouteByKey(key string) (Route, bool) {
	for _, r := range Routes() {
		if string(r.RoutingKey) == key {
			return r, true
		}
	}
	return Route{}, false
}

// DeadLetterQueue возвращает имя DLQ для очереди стадии.
func DeadLetterQueue(q Queue) Queue {
	return q + ".dlq"
}

// TopologyConfig — имена exchanges.
type TopologyConfig struct {
	// Exchange — direct exchange стадий.
	Exchange string

	// DeadLetterExchange — exchange для сообщений, исчерпавших попытки.
	// Пустая строка — без dead-letter.
	DeadLetterExchange string
}

// DefaultTopology возвращает топологию по умолчанию.
func DefaultTopology() TopologyConfig {
	return TopologyConfig{
		Exchange:           DefaultExchange,
		DeadLetterExchange: DefaultDeadLetterExchange,
	}
}

// SetupTopology объявляет exchanges, очереди и bindings.
//
// Повторный запуск с теми же параметрами ничего не меняет. Если сущность
// уже существует с другими параметрами, возвращается ErrTopologyConflict.
func SetupTopology(ctx context.Context, client *Client, cfg TopologyConfig) error {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	ch, err := client.OpenChannel(ctx, ChannelOptions{Name: topologyChannel})
	if err != nil {
		return err
	}
	defer client.CloseChannel(topologyChannel)

	// 1. Создаём exchanges
	if err := declareExchanges(ch, cfg); err != nil {
		return topologyError(err)
	}

	// 2. Создаём queues
	if err := declareQueues(ch, cfg); err != nil {
		return topologyError(err)
	}

	// 3. Привязываем queues к exchanges
	if err := bindQueues(ch, cfg); err != nil {
		return topologyError(err)
	}

	return nil
}

func topologyError(err error) error {
	switch {
	case isPreconditionFailed(err):
		return fmt.Errorf("%w: %w", ErrTopologyConflict, err)
	case errors.Is(err, amqp.ErrClosed):
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	default:
		return err
	}
}

// declareExchanges создаёт обменники.
func declareExchanges(ch Channel, cfg TopologyConfig) error {
	names := []string{cfg.Exchange}
	if cfg.DeadLetterExchange != "" {
		names = append(names, cfg.DeadLetterExchange)
	}

	for _, name := range names {
		err := ch.ExchangeDeclare(
			name,     // name
			"direct", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди стадий и их DLQ.
func declareQueues(ch Channel, cfg TopologyConfig) error {
	var args amqp.Table
	if cfg.DeadLetterExchange != "" {
		// Routing key при dead-letter сохраняется, DLQ привязана тем же ключом.
		args = amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	}

	var queues []Queue
	for _, r := range Routes() {
		if err := declareQueue(ch, r.Queue, args); err != nil {
			return err
		}
		queues = append(queues, r.Queue)
	}

	if cfg.DeadLetterExchange == "" {
		return nil
	}

	for _, q := range queues {
		if err := declareQueue(ch, DeadLetterQueue(q), nil); err != nil {
			return err
		}
	}

	return nil
}

func declareQueue(ch Channel, name Queue, args amqp.Table) error {
	_, err := ch.QueueDeclare(
		string(name), // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		args,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch Channel, cfg TopologyConfig) error {
	type binding struct {
		queue    Queue
		key      RoutingKey
		exchange string
	}

	var bindings []binding
	for _, r := range Routes() {
		bindings = append(bindings, binding{r.Queue, r.RoutingKey, cfg.Exchange})
		if cfg.DeadLetterExchange != "" {
			bindings = append(bindings, binding{DeadLetterQueue(r.Queue), r.RoutingKey, cfg.DeadLetterExchange})
		}
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue), // queue name
			string(b.key),   // routing key
			b.exchange,      // exchange
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(cfg TopologyConfig) string {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (direct)\n", cfg.Exchange)
	routes := Routes()
	for i, r := range routes {
		branch := "├──"
		if i == len(routes)-1 {
			branch = "└──"
		}
		fmt.Fprintf(&b, "%s %s [routing: %s]", branch, r.Queue, r.RoutingKey)
		if cfg.DeadLetterExchange != "" {
			fmt.Fprintf(&b, " DLQ: %s", DeadLetterQueue(r.Queue))
		}
		b.WriteString("\n")
	}

	if cfg.DeadLetterExchange != "" {
		fmt.Fprintf(&b, "%s (direct)\n", cfg.DeadLetterExchange)
		for i, r := range routes {
			branch := "├──"
			if i == len(routes)-1 {
				branch = "└──"
			}
			fmt.Fprintf(&b, "%s %s [routing: %s]\n", branch, DeadLetterQueue(r.Queue), r.RoutingKey)
		}
	}

	return b.String()
}
