package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inFlight = "-"

// SubmissionGuard remembers provider references per submission key so that rails without
// native idempotency are never charged twice for one intent.
type SubmissionGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewSubmissionGuard(client redis.Cmdable, ttl time.Duration) *SubmissionGuard {
	return &SubmissionGuard{client: client, ttl: ttl}
}

func guardKey(key string) string {
	return "submission:" + key
}

// Reserve claims key for a new submission. When the key is taken, reference holds the
// reference a previous submission recorded, or is empty while that submission is in flight.
func (g *SubmissionGuard) Reserve(ctx context.Context, key string) (reference string, reserved bool, err error) {
	ok, err := g.client.SetNX(ctx, guardKey(key), inFlight, g.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve submission %s: %w", key, err)
	}
	if ok {
		return "", true, nil
	}

	val, err := g.client.Get(ctx, guardKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return g.Reserve(ctx, key)
	}
	if err != nil {
		return "", false, fmt.Errorf("read submission %s: %w", key, err)
	}
	if val == inFlight {
		return "", false, nil
	}
	return val, false, nil
}

// Complete stores the reference the provider returned for key.
func (g *SubmissionGuard) Complete(ctx context.Context, key, reference string) error {
	if err := g.client.Set(ctx, guardKey(key), reference, g.ttl).Err(); err != nil {
		return fmt.Errorf("complete submission %s: %w", key, err)
	}
	return nil
}

// Release frees key after a submission the provider definitely did not accept.
func (g *SubmissionGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, guardKey(key)).Err(); err != nil {
		return fmt.Errorf("release submission %s: %w", key, err)
	}
	return nil
}
