package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/outbox"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestNewClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := NewClient(context.Background(), &config.RedisConfig{
		Host:              mr.Host(),
		Port:              port,
		ConnectRetries:    2,
		ConnectRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()
}

func TestNewClient_FailsAfterRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	_, err = NewClient(context.Background(), &config.RedisConfig{
		Host:              "127.0.0.1",
		Port:              port,
		ConnectRetries:    2,
		ConnectRetryDelay: time.Millisecond,
	})
	assert.Error(t, err)
}

func TestDistributedLock_ExclusiveUntilReleased(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "payment:1", time.Minute)
	second := NewDistributedLock(client, "payment:1", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))
	assert.NoError(t, first.Release(ctx), "second release is a no-op")

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_ReleaseAfterExpiry(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	lock := NewDistributedLock(client, "payment:2", time.Second)
	_, err := lock.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	assert.ErrorIs(t, lock.Extend(ctx, time.Second), domainErrors.ErrLockNotHeld)
	assert.ErrorIs(t, lock.Release(ctx), domainErrors.ErrLockNotHeld)
}

func TestDistributedLock_Extend(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	lock := NewDistributedLock(client, "payment:3", time.Second)
	_, err := lock.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, lock.Extend(ctx, time.Minute))
	assert.Greater(t, mr.TTL("lock:payment:3"), 30*time.Second)
}

func TestDistributedLock_AcquireWithRetryGivesUp(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "payment:4", time.Minute)
	_, err := holder.Acquire(ctx)
	require.NoError(t, err)

	err = NewDistributedLock(client, "payment:4", time.Minute).AcquireWithRetry(ctx, 2, time.Millisecond)
	assert.ErrorIs(t, err, domainErrors.ErrLockAcquisitionFailed)
}

func TestLocker_TryWithLock(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, time.Minute)
	key := PaymentLockKey(uuid.New())

	var nestedRan bool
	ran, err := locker.TryWithLock(ctx, key, func(ctx context.Context) error {
		nestedRan, _ = locker.TryWithLock(ctx, key, func(context.Context) error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, nestedRan)

	ran, err = locker.TryWithLock(ctx, key, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran, "lock released after first call")
}

func TestLocker_WithLockWaitsForHolder(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, time.Minute)
	key := PaymentLockKey(uuid.New())

	holder := NewDistributedLock(client, key, time.Minute)
	_, err := holder.Acquire(ctx)
	require.NoError(t, err)

	err = locker.WithLock(ctx, key, 2, time.Millisecond, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domainErrors.ErrLockAcquisitionFailed)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = holder.Release(ctx)
	}()
	ran := false
	err = locker.WithLock(ctx, key, 50, 5*time.Millisecond, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLocker_RenewsLeaseWhileHolderRuns(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, 30*time.Millisecond)
	key := PaymentLockKey(uuid.New())

	ran, err := locker.TryWithLock(ctx, key, func(context.Context) error {
		for i := 0; i < 4; i++ {
			time.Sleep(30 * time.Millisecond)
			mr.FastForward(15 * time.Millisecond)
		}
		assert.True(t, mr.Exists("lock:"+key), "lease outlived its ttl")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:"+key), "released afterwards")
}

func TestLocker_ReturnsHolderError(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client, time.Minute)

	boom := errors.New("boom")
	ran, err := locker.TryWithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestSubmissionGuard_Lifecycle(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	guard := NewSubmissionGuard(client, time.Hour)

	ref, reserved, err := guard.Reserve(ctx, "mpesa:p1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, ref)

	ref, reserved, err = guard.Reserve(ctx, "mpesa:p1")
	require.NoError(t, err)
	assert.False(t, reserved, "in flight")
	assert.Empty(t, ref)

	require.NoError(t, guard.Complete(ctx, "mpesa:p1", "ws_CO_123"))

	ref, reserved, err = guard.Reserve(ctx, "mpesa:p1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "ws_CO_123", ref)
}

func TestSubmissionGuard_Release(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	guard := NewSubmissionGuard(client, time.Hour)

	_, reserved, err := guard.Reserve(ctx, "unitel:p2")
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, guard.Release(ctx, "unitel:p2"))

	_, reserved, err = guard.Reserve(ctx, "unitel:p2")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestStreams_PollRequestRoundTrip(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	consumer := NewStreamConsumer(client, StatusPollStream, "pollers", "worker-1", 10, 10*time.Millisecond)
	require.NoError(t, consumer.CreateGroup(ctx))
	require.NoError(t, consumer.CreateGroup(ctx), "BUSYGROUP tolerated")

	id := uuid.New()
	require.NoError(t, NewStreamProducer(client).RequestStatusPoll(ctx, id, "bna"))

	messages, err := consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	req, err := ParsePollRequest(messages[0])
	require.NoError(t, err)
	assert.Equal(t, id, req.PaymentID)
	assert.Equal(t, "bna", req.Provider)

	require.NoError(t, consumer.Ack(ctx, req.MessageID))
}

func TestParsePollRequest_InvalidID(t *testing.T) {
	_, err := ParsePollRequest(redis.XMessage{ID: "1-0", Values: map[string]any{"payment_id": "nope"}})
	assert.Error(t, err)
}

func TestStreams_PublishOutboxEntry(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	entry := outbox.NewEntry(outbox.AggregatePayment, uuid.New(), outbox.EventPaymentSucceeded, map[string]any{"amount": 5000})
	require.NoError(t, NewStreamProducer(client).Publish(ctx, entry))

	msgs, err := client.XRange(ctx, EventsStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, outbox.EventPaymentSucceeded, msgs[0].Values["event_type"])
	assert.JSONEq(t, `{"amount":5000}`, msgs[0].Values["payload"].(string))
}
