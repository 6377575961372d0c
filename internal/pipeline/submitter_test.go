package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/pipeline/pipelinetest"
	"github.com/shaiso/txpipe/internal/telemetry"
)

func newSubmitter(store *pipelinetest.MemoryStore, pub *pipelinetest.Publisher) *Submitter {
	return NewSubmitter(SubmitterConfig{
		Store:      store,
		Publisher:  pub,
		Logger:     telemetry.Discard(),
		RetryDelay: time.Millisecond,
		Now:        func() time.Time { return fixedNow },
	})
}

func TestSubmitter_StoresThenPublishes(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	raw := payloadJSON(t, nil)

	tx, err := newSubmitter(store, pub).Submit(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReceived, tx.Status)
	assert.Equal(t, domain.StageIngesting, tx.Stage)
	assert.Equal(t, fixedNow, tx.CreatedAt)

	stored := store.Get(tx.ID)
	require.NotNil(t, stored)
	assert.JSONEq(t, string(raw), string(stored.Payload), "payload is stored verbatim")

	assert.Equal(t, []pipelinetest.Published{{RoutingKey: mq.RoutingKeyIngest, TransactionID: tx.ID}}, pub.Published())
}

func TestSubmitter_RetriesPublish(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	pub.FailNext(2, mq.ErrBrokerUnavailable)

	before := testutil.ToFloat64(telemetry.TransactionsOrphaned)

	tx, err := newSubmitter(store, pub).Submit(context.Background(), payloadJSON(t, nil))
	require.NoError(t, err)
	require.Len(t, pub.Published(), 1)
	assert.Equal(t, tx.ID, pub.Published()[0].TransactionID)
	assert.Equal(t, before, testutil.ToFloat64(telemetry.TransactionsOrphaned))
}

func TestSubmitter_OrphanedWhenPublishKeepsFailing(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	pub.FailNext(DefaultPublishAttempts, mq.ErrBrokerUnavailable)

	before := testutil.ToFloat64(telemetry.TransactionsOrphaned)

	tx, err := newSubmitter(store, pub).Submit(context.Background(), payloadJSON(t, nil))
	require.NoError(t, err, "record is stored, the reconciler picks it up")
	require.NotNil(t, store.Get(tx.ID))
	assert.Empty(t, pub.Published())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.TransactionsOrphaned))
}

func TestSubmitter_InvalidInput(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	s := newSubmitter(store, pub)

	_, err := s.Submit(context.Background(), []byte(`{`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = s.Submit(context.Background(), payloadJSON(t, func(m map[string]any) { delete(m, "merchant_id") }))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "merchant_id", verr.Fields[0].Field)

	assert.Empty(t, pub.Published())
}

func TestSubmitter_StoreError(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	store.Err = errors.New("disk full")
	pub := pipelinetest.NewPublisher()

	_, err := newSubmitter(store, pub).Submit(context.Background(), payloadJSON(t, nil))
	require.Error(t, err)
	assert.Empty(t, pub.Published(), "nothing is published for an unsaved record")
}

func TestSubmitter_ContextCancelledDuringRetry(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	pub.FailNext(10, nil)

	s := NewSubmitter(SubmitterConfig{
		Store: store, Publisher: pub, Logger: telemetry.Discard(),
		PublishAttempts: 5, RetryDelay: time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	tx, err := s.Submit(ctx, payloadJSON(t, nil))
	require.NoError(t, err)
	assert.NotNil(t, tx)
	assert.Less(t, time.Since(start), time.Second)
}
