package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/outbox"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/config"
	infraRedis "github.com/sila/payments/internal/infrastructure/redis"
	"github.com/sila/payments/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayments struct {
	mu          sync.Mutex
	stale       []*payment.Payment
	refreshed   []uuid.UUID
	expireCalls int

	RefreshFunc func(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
}

func (f *fakePayments) ExpireStale(_ context.Context, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireCalls++
	return 1, nil
}

func (f *fakePayments) ListStale(_ context.Context, limit int) ([]*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stale) > limit {
		return f.stale[:limit], nil
	}
	return f.stale, nil
}

func (f *fakePayments) RefreshStatus(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, id)
	f.mu.Unlock()
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, id)
	}
	return nil, nil
}

func (f *fakePayments) Refreshed() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.refreshed...)
}

func (f *fakePayments) ExpireCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expireCalls
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *outbox.Entry) error {
	return errors.New("stream unavailable")
}

type workerFixture struct {
	worker      *Worker
	payments    *fakePayments
	outbox      *testutil.MockOutboxRepository
	idempotency *testutil.MockIdempotencyStore
	redis       *redis.Client
	consumer    *infraRedis.StreamConsumer
	deps        Deps
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.WorkerConfig{
		BatchSize:            10,
		BlockDuration:        5 * time.Millisecond,
		OutboxPollInterval:   5 * time.Millisecond,
		ExpirySweepInterval:  5 * time.Millisecond,
		StatusPollInterval:   5 * time.Millisecond,
		IdempotencySweepTime: 5 * time.Millisecond,
		ConsumerGroup:        "pollers",
	}
	consumer := infraRedis.NewStreamConsumer(client, infraRedis.StatusPollStream, cfg.ConsumerGroup,
		"worker-1", cfg.BatchSize, cfg.BlockDuration)

	f := &workerFixture{
		payments:    &fakePayments{},
		outbox:      testutil.NewMockOutboxRepository(),
		idempotency: testutil.NewMockIdempotencyStore(),
		redis:       client,
		consumer:    consumer,
	}
	f.deps = Deps{
		Payments:    f.payments,
		TxManager:   testutil.NewMockTransactionManager(),
		Outbox:      f.outbox,
		Publisher:   infraRedis.NewStreamProducer(client),
		Locker:      infraRedis.NewLocker(client, time.Second),
		Polls:       consumer,
		Idempotency: f.idempotency,
		Config:      cfg,
		Metrics:     testutil.NewTestMetrics(),
		Logger:      zerolog.Nop(),
	}
	f.worker = New(f.deps)
	return f
}

func TestWorker_SweepExpired(t *testing.T) {
	f := newWorkerFixture(t)

	n := f.worker.SweepExpired(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.payments.ExpireCalls())
}

func TestWorker_PollStaleRefreshesEachPayment(t *testing.T) {
	f := newWorkerFixture(t)
	a := testutil.NewSubmittedPayment(payment.ProviderBNA, "BNA-1")
	b := testutil.NewSubmittedPayment(payment.ProviderUnitelMoney, "UM-1")
	f.payments.stale = []*payment.Payment{a, b}

	f.worker.PollStale(context.Background())

	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, f.payments.Refreshed())
}

func TestWorker_PollStaleSkipsLockedPayment(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	p := testutil.NewSubmittedPayment(payment.ProviderBNA, "BNA-1")
	f.payments.stale = []*payment.Payment{p}

	held := infraRedis.NewDistributedLock(f.redis, infraRedis.PaymentLockKey(p.ID), time.Minute)
	acquired, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	f.worker.PollStale(ctx)

	assert.Empty(t, f.payments.Refreshed())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.deps.Metrics.WorkerMessagesProcessed.WithLabelValues(jobStalePoll, "skipped")))

	require.NoError(t, held.Release(ctx))
	f.worker.PollStale(ctx)
	assert.Equal(t, []uuid.UUID{p.ID}, f.payments.Refreshed())
}

func TestWorker_RefreshConflictIsCountedAsError(t *testing.T) {
	f := newWorkerFixture(t)
	p := testutil.NewSubmittedPayment(payment.ProviderBNA, "BNA-1")
	f.payments.stale = []*payment.Payment{p}
	f.payments.RefreshFunc = func(context.Context, uuid.UUID) (*payment.Payment, error) {
		return p, domainErrors.ErrTerminalStateConflict
	}

	f.worker.PollStale(context.Background())

	assert.Equal(t, 1.0, promtest.ToFloat64(f.deps.Metrics.WorkerMessagesProcessed.WithLabelValues(jobStalePoll, "error")))
}

func TestWorker_HandlePollRequestFromStream(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.consumer.CreateGroup(ctx))

	id := uuid.New()
	require.NoError(t, infraRedis.NewStreamProducer(f.redis).RequestStatusPoll(ctx, id, "bna"))

	messages, err := f.consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	f.worker.HandlePollRequest(ctx, messages[0])

	assert.Equal(t, []uuid.UUID{id}, f.payments.Refreshed())
	pending, err := f.redis.XPending(ctx, infraRedis.StatusPollStream, "pollers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestWorker_MalformedPollRequestIsAcked(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.consumer.CreateGroup(ctx))
	require.NoError(t, f.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: infraRedis.StatusPollStream,
		Values: map[string]any{"payment_id": "not-a-uuid"},
	}).Err())

	messages, err := f.consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	f.worker.HandlePollRequest(ctx, messages[0])

	assert.Empty(t, f.payments.Refreshed())
	pending, err := f.redis.XPending(ctx, infraRedis.StatusPollStream, "pollers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestWorker_PublishOutbox(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, f.outbox.Insert(ctx, outbox.NewEntry(outbox.AggregatePayment, id, outbox.EventPaymentCreated,
		map[string]any{"payment_id": id.String()})))
	require.NoError(t, f.outbox.Insert(ctx, outbox.NewEntry(outbox.AggregatePayment, id, outbox.EventPaymentSubmitted,
		map[string]any{"payment_id": id.String()})))

	n, err := f.worker.PublishOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, e := range f.outbox.Entries() {
		assert.Equal(t, outbox.StatusPublished, e.Status)
	}
	msgs, err := f.redis.XRange(ctx, infraRedis.EventsStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, outbox.EventPaymentCreated, msgs[0].Values["event_type"])
	assert.Equal(t, outbox.EventPaymentSubmitted, msgs[1].Values["event_type"])

	n, err = f.worker.PublishOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_PublishOutboxRecordsFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.deps.Publisher = failingPublisher{}
	w := New(f.deps)
	ctx := context.Background()
	require.NoError(t, f.outbox.Insert(ctx, outbox.NewEntry(outbox.AggregatePayment, uuid.New(),
		outbox.EventPaymentExpired, nil)))

	n, err := w.PublishOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries := f.outbox.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.StatusPending, entries[0].Status)
	assert.Equal(t, 1, entries[0].RetryCount)
	require.NotNil(t, entries[0].LastError)
	assert.Equal(t, "stream unavailable", *entries[0].LastError)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.outbox.Insert(ctx, outbox.NewEntry(outbox.AggregatePayment, uuid.New(),
		outbox.EventPaymentCreated, nil)))

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	assert.Eventually(t, func() bool {
		entries := f.outbox.Entries()
		return f.payments.ExpireCalls() > 0 && entries[0].Status == outbox.StatusPublished
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
