package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/txpipe/internal/telemetry"
)

func TestPublisher_PublishTransaction(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(b, ClientConfig{})
	defer c.Close()

	p := NewPublisher(c, PublisherConfig{Confirm: true}, telemetry.Discard())
	id := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

	require.NoError(t, p.PublishTransaction(context.Background(), RoutingKeyRules, id))

	msgs := b.publishedMessages()
	require.Len(t, msgs, 1)
	m := msgs[0]

	assert.Equal(t, DefaultExchange, m.Exchange)
	assert.Equal(t, "rules", m.Key)
	assert.JSONEq(t, `{"transaction_id":"7c9e6679-7425-40de-944b-e07fc1f90ae7"}`, string(m.Msg.Body))
	assert.Equal(t, `{"transaction_id":"7c9e6679-7425-40de-944b-e07fc1f90ae7"}`, string(m.Msg.Body))
	assert.Equal(t, "application/json", m.Msg.ContentType)
	assert.Equal(t, amqp.Persistent, m.Msg.DeliveryMode)
	assert.Equal(t, "transaction.rules", m.Msg.Type)
	assert.NotEmpty(t, m.Msg.MessageId)
	assert.False(t, m.Msg.Timestamp.IsZero())

	decoded, err := DecodeStageMessage(m.Msg.Body)
	require.NoError(t, err)
	assert.Equal(t, id, decoded.TransactionID)
}

func TestPublisher_Options(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(b, ClientConfig{})
	defer c.Close()

	p := NewPublisher(c, PublisherConfig{}, telemetry.Discard())
	err := p.Publish(context.Background(), "audit", map[string]int{"n": 1},
		WithExchange("other"), Transient(), WithMessageID("fixed"))
	require.NoError(t, err)

	m := b.publishedMessages()[0]
	assert.Equal(t, "other", m.Exchange)
	assert.Equal(t, amqp.Transient, m.Msg.DeliveryMode)
	assert.Equal(t, "fixed", m.Msg.MessageId)
}

func TestPublisher_NackedConfirm(t *testing.T) {
	b := newFakeBroker()
	b.nackPublishes = true
	c := newTestClient(b, ClientConfig{})
	defer c.Close()

	p := NewPublisher(c, PublisherConfig{Confirm: true}, telemetry.Discard())
	err := p.PublishTransaction(context.Background(), RoutingKeyIngest, uuid.New())
	require.ErrorIs(t, err, ErrPublishFailed)
}

func TestPublisher_NoConfirmIgnoresNack(t *testing.T) {
	b := newFakeBroker()
	b.nackPublishes = true
	c := newTestClient(b, ClientConfig{})
	defer c.Close()

	p := NewPublisher(c, PublisherConfig{Confirm: false}, telemetry.Discard())
	require.NoError(t, p.PublishTransaction(context.Background(), RoutingKeyIngest, uuid.New()))
}

func TestPublisher_BrokerUnavailable(t *testing.T) {
	b := newFakeBroker()
	b.dialErr = errors.New("no route to host")
	c := newTestClient(b, ClientConfig{})
	defer c.Close()

	p := NewPublisher(c, PublisherConfig{Confirm: true}, telemetry.Discard())
	err := p.PublishTransaction(context.Background(), RoutingKeyIngest, uuid.New())
	require.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestPublisher_ReopensClosedChannel(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(b, ClientConfig{ReconnectMin: time.Hour, ReconnectMax: time.Hour})
	defer c.Close()

	p := NewPublisher(c, PublisherConfig{Confirm: true}, telemetry.Discard())
	require.NoError(t, p.PublishTransaction(context.Background(), RoutingKeyIngest, uuid.New()))

	b.lastConn().drop()

	require.NoError(t, p.PublishTransaction(context.Background(), RoutingKeyIngest, uuid.New()))
	assert.Len(t, b.publishedMessages(), 2)
	assert.Equal(t, 2, b.dialCount())
}

func TestDecodeStageMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"transaction_id":"7c9e6679-7425-40de-944b-e07fc1f90ae7"}`, true},
		{"not json", `transaction`, false},
		{"bad uuid", `{"transaction_id":"42"}`, false},
		{"missing id", `{}`, false},
		{"null id", `{"transaction_id":null}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStageMessage([]byte(tt.body))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
