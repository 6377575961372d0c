package mq

import (
	"context"
	"fmt"
)

// DefaultReplayLimit — сколько сообщений переотправить за один вызов по умолчанию.
const DefaultReplayLimit = 100

// ReplayDeadLetters забирает до limit сообщений из DLQ стадии и публикует
// их обратно в очередь стадии. Копия в DLQ подтверждается только после
// подтверждённой публикации. Возвращает число переотправленных сообщений.
func ReplayDeadLetters(ctx context.Context, client *Client, pub *Publisher, route Route, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	name := "replay:" + string(route.Queue)
	ch, err := client.OpenChannel(ctx, ChannelOptions{Name: name})
	if err != nil {
		return 0, err
	}
	defer client.CloseChannel(name)

	dlq := DeadLetterQueue(route.Queue)
	replayed := 0

	for replayed < limit {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		raw, ok, err := ch.Get(string(dlq), false)
		if err != nil {
			return replayed, fmt.Errorf("%w: get from %s: %w", ErrBrokerUnavailable, dlq, err)
		}
		if !ok {
			break
		}

		opts := []PublishOption{WithType(raw.Type)}
		if raw.MessageId != "" {
			opts = append(opts, WithMessageID(raw.MessageId))
		}

		if err := pub.PublishBody(ctx, route.RoutingKey, raw.Body, opts...); err != nil {
			// Оставляем сообщение в DLQ.
			_ = raw.Nack(false, true)
			return replayed, err
		}

		if err := raw.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack %s copy: %w", dlq, err)
		}
		replayed++
	}

	pub.logger.Info("dead letters replayed", "queue", dlq, "replayed", replayed)

	return replayed, nil
}
