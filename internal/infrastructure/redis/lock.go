package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/pkg/retry"
)

// Both scripts act only while the key still holds this owner's token.
var (
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)

	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

var errLockBusy = errors.New("lock busy")

// PaymentLockKey names the per-intent lock shared by worker instances.
func PaymentLockKey(paymentID uuid.UUID) string {
	return "payment:" + paymentID.String()
}

// DistributedLock is a single-owner lease on a Redis key. It is not reentrant.
type DistributedLock struct {
	client   redis.Cmdable
	key      string
	token    string
	ttl      time.Duration
	acquired bool
}

func NewDistributedLock(client redis.Cmdable, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    "lock:" + key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire takes the lease if nobody holds it.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	l.acquired = ok
	return ok, nil
}

// AcquireWithRetry waits for the lease, trying up to attempts times with a fixed delay.
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, attempts int, delay time.Duration) error {
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  uint(max(attempts, 1)),
		InitialDelay: delay,
		MaxDelay:     delay,
		RetryIf:      func(err error) bool { return errors.Is(err, errLockBusy) },
	}, func() error {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errLockBusy
		}
		return nil
	})
	if errors.Is(err, errLockBusy) {
		return fmt.Errorf("%s after %d attempts: %w", l.key, attempts, domainErrors.ErrLockAcquisitionFailed)
	}
	return err
}

// Extend resets the lease to ttl from now.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.acquired {
		return domainErrors.ErrLockNotHeld
	}
	n, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s expired: %w", l.key, domainErrors.ErrLockNotHeld)
	}
	return nil
}

// Release gives the lease back. Releasing a lease that already expired is reported.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	n, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s already released: %w", l.key, domainErrors.ErrLockNotHeld)
	}
	return nil
}

// Locker hands out per-key distributed locks and keeps them alive while their holder runs.
type Locker struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewLocker(client redis.Cmdable, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

// TryWithLock runs fn only if the lock for key is free. It reports whether fn ran.
func (l *Locker) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	lock := NewDistributedLock(l.client, key, l.ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	return true, l.hold(ctx, lock, fn)
}

// WithLock waits up to attempts*delay for the lock on key and then runs fn.
func (l *Locker) WithLock(ctx context.Context, key string, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	lock := NewDistributedLock(l.client, key, l.ttl)
	if err := lock.AcquireWithRetry(ctx, attempts, delay); err != nil {
		return err
	}
	return l.hold(ctx, lock, fn)
}

// hold runs fn while renewing the lease every third of its ttl, then releases it.
func (l *Locker) hold(ctx context.Context, lock *DistributedLock, fn func(ctx context.Context) error) error {
	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(ctx, l.ttl); err != nil {
					return
				}
			}
		}
	}()

	err := fn(ctx)
	close(done)
	<-renewed
	_ = lock.Release(context.WithoutCancel(ctx))
	return err
}
