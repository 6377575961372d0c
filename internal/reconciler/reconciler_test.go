package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
	"github.com/shaiso/txpipe/internal/pipeline/pipelinetest"
	"github.com/shaiso/txpipe/internal/repo"
	"github.com/shaiso/txpipe/internal/telemetry"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLeader struct {
	mu       sync.Mutex
	leader   bool
	err      error
	unlocked bool
}

func (l *fakeLeader) TryLock(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader, l.err
}

func (l *fakeLeader) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = true
	return nil
}

func (l *fakeLeader) isUnlocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlocked
}

func seed(store *pipelinetest.MemoryStore, status domain.Status, stage domain.Stage, age time.Duration) uuid.UUID {
	tx := domain.NewTransaction(uuid.New(), []byte(`{}`), now.Add(-age))
	tx.Status, tx.Stage = status, stage
	store.Put(tx)
	return tx.ID
}

func newReconciler(t *testing.T, store *pipelinetest.MemoryStore, pub *pipelinetest.Publisher, leader Leader) *Reconciler {
	t.Helper()
	r, err := New(Config{
		Store:      store,
		Publisher:  pub,
		Leader:     leader,
		StaleAfter: 5 * time.Minute,
		Logger:     telemetry.Discard(),
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	return r
}

func TestTick_RepublishesStaleToCurrentStage(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()

	orphan := seed(store, domain.StatusReceived, domain.StageIngesting, time.Hour)
	stuck := seed(store, domain.StatusPending, domain.StageRiskScoring, 10*time.Minute)
	seed(store, domain.StatusPending, domain.StageRulesChecking, time.Minute) // свежая
	seed(store, domain.StatusApproved, domain.StageDone, time.Hour)          // завершена

	before := testutil.ToFloat64(telemetry.Republished.WithLabelValues("risk"))

	require.NoError(t, newReconciler(t, store, pub, nil).Tick(context.Background()))

	assert.Equal(t, []pipelinetest.Published{
		{RoutingKey: mq.RoutingKeyIngest, TransactionID: orphan},
		{RoutingKey: mq.RoutingKeyRisk, TransactionID: stuck},
	}, pub.Published(), "oldest first")
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.Republished.WithLabelValues("risk")))
}

// clock — управляемое время для последовательных тиков.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedReconciler(t *testing.T, store *pipelinetest.MemoryStore, pub *pipelinetest.Publisher, c *clock, maxRedrives int) *Reconciler {
	t.Helper()
	r, err := New(Config{
		Store:       store,
		Publisher:   pub,
		StaleAfter:  5 * time.Minute,
		MaxRedrives: maxRedrives,
		Logger:      telemetry.Discard(),
		Now:         c.now,
	})
	require.NoError(t, err)
	return r
}

func TestTick_RepublishesOncePerStaleWindow(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	id := seed(store, domain.StatusPending, domain.StageRiskScoring, time.Hour)

	c := &clock{t: now}
	r := newClockedReconciler(t, store, pub, c, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Tick(ctx))
		c.advance(time.Minute)
	}
	require.Len(t, pub.Published(), 1, "touched record is not stale until StaleAfter passes")

	tx := store.Get(id)
	assert.Equal(t, 1, tx.Redrives)
	assert.Equal(t, now, tx.UpdatedAt)
	assert.Equal(t, domain.StatusPending, tx.Status, "state is untouched")

	c.advance(time.Minute) // now+6m > updated_at+5m
	require.NoError(t, r.Tick(ctx))
	assert.Len(t, pub.Published(), 2)
	assert.Equal(t, 2, store.Get(id).Redrives)
}

func TestTick_StopsAfterMaxRedrives(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	id := seed(store, domain.StatusReceived, domain.StageIngesting, time.Hour)

	before := testutil.ToFloat64(telemetry.RedrivesExhausted.WithLabelValues("ingest"))

	c := &clock{t: now}
	r := newClockedReconciler(t, store, pub, c, 2)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, r.Tick(ctx))
		c.advance(10 * time.Minute)
	}

	assert.Len(t, pub.Published(), 2)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.RedrivesExhausted.WithLabelValues("ingest")))

	tx := store.Get(id)
	assert.Equal(t, 2, tx.Redrives)
	assert.Equal(t, domain.StatusReceived, tx.Status, "left in flight for manual replay")
}

func TestTick_TransitionResetsRedrives(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	id := seed(store, domain.StatusReceived, domain.StageIngesting, time.Hour)

	c := &clock{t: now}
	r := newClockedReconciler(t, store, pub, c, 1)
	ctx := context.Background()

	require.NoError(t, r.Tick(ctx))
	require.Equal(t, 1, store.Get(id).Redrives)

	// Воркер продвинул запись на следующую стадию.
	_, err := store.Update(ctx, id,
		domain.State{Status: domain.StatusReceived, Stage: domain.StageIngesting},
		repo.TransactionUpdate{
			State:     domain.State{Status: domain.StatusPending, Stage: domain.StageRiskScoring},
			UpdatedAt: c.now(),
		})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Get(id).Redrives)

	c.advance(10 * time.Minute)
	require.NoError(t, r.Tick(ctx))
	assert.Equal(t, []pipelinetest.Published{
		{RoutingKey: mq.RoutingKeyIngest, TransactionID: id},
		{RoutingKey: mq.RoutingKeyRisk, TransactionID: id},
	}, pub.Published())
}

func TestTick_SkipsRecordChangedConcurrently(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	id := seed(store, domain.StatusReceived, domain.StageIngesting, time.Hour)

	// Между выборкой и отметкой запись продвинулась.
	store.BeforeTouch = func(tx *domain.Transaction) {
		tx.Status, tx.Stage = domain.StatusPending, domain.StageRiskScoring
	}

	require.NoError(t, newReconciler(t, store, pub, nil).Tick(context.Background()))
	assert.Empty(t, pub.Published())
	assert.Equal(t, 0, store.Get(id).Redrives)
}

func TestTick_SkipsUnknownStage(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()

	seed(store, domain.StatusPending, domain.StageUnknown, time.Hour)
	ok := seed(store, domain.StatusPending, domain.StageRulesChecking, 30*time.Minute)

	require.NoError(t, newReconciler(t, store, pub, nil).Tick(context.Background()))
	require.Len(t, pub.Published(), 1)
	assert.Equal(t, ok, pub.Published()[0].TransactionID)
}

func TestTick_PublishFailureDoesNotStopBatch(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	pub.FailNext(1, mq.ErrPublishFailed)

	seed(store, domain.StatusReceived, domain.StageIngesting, 2*time.Hour)
	second := seed(store, domain.StatusReceived, domain.StageIngesting, time.Hour)

	require.NoError(t, newReconciler(t, store, pub, nil).Tick(context.Background()))
	require.Len(t, pub.Published(), 1)
	assert.Equal(t, second, pub.Published()[0].TransactionID)
}

func TestTick_OnlyLeaderWorks(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	seed(store, domain.StatusReceived, domain.StageIngesting, time.Hour)

	leader := &fakeLeader{leader: false}
	r := newReconciler(t, store, pub, leader)

	require.NoError(t, r.Tick(context.Background()))
	assert.Empty(t, pub.Published())

	leader.err = errors.New("db down")
	assert.Error(t, r.Tick(context.Background()))

	leader.err, leader.leader = nil, true
	require.NoError(t, r.Tick(context.Background()))
	assert.Len(t, pub.Published(), 1)
}

func TestTick_StoreError(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	store.Err = errors.New("timeout")

	err := newReconciler(t, store, pipelinetest.NewPublisher(), nil).Tick(context.Background())
	assert.Error(t, err)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Config{
		Store:     pipelinetest.NewMemoryStore(),
		Publisher: pipelinetest.NewPublisher(),
		Schedule:  "every minute",
	})
	assert.Error(t, err)

	_, err = New(Config{Schedule: "@every 1m"})
	assert.Error(t, err, "store and publisher are required")
}

func TestRun_SchedulesTicksAndReleasesLeadership(t *testing.T) {
	store := pipelinetest.NewMemoryStore()
	pub := pipelinetest.NewPublisher()
	seed(store, domain.StatusReceived, domain.StageIngesting, time.Hour)

	leader := &fakeLeader{leader: true}
	r, err := New(Config{
		Store:     store,
		Publisher: pub,
		Leader:    leader,
		Schedule:  "@every 1s",
		Logger:    telemetry.Discard(),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.Published()) > 0 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
	assert.True(t, leader.isUnlocked())
}
