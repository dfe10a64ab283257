package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyEntry binds an Idempotency-Key header to the request body first sent with it.
type IdempotencyEntry struct {
	Key         string
	RequestHash string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

func (r *IdempotencyRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Bind stores entry unless a live entry for the key exists, and returns whichever entry is stored.
func (r *IdempotencyRepository) Bind(ctx context.Context, entry *IdempotencyEntry) (*IdempotencyEntry, error) {
	stored := &IdempotencyEntry{}
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET
		   request_hash = CASE WHEN idempotency_keys.expires_at <= NOW() THEN EXCLUDED.request_hash ELSE idempotency_keys.request_hash END,
		   created_at   = CASE WHEN idempotency_keys.expires_at <= NOW() THEN EXCLUDED.created_at ELSE idempotency_keys.created_at END,
		   expires_at   = CASE WHEN idempotency_keys.expires_at <= NOW() THEN EXCLUDED.expires_at ELSE idempotency_keys.expires_at END
		 RETURNING key, request_hash, created_at, expires_at`,
		entry.Key, entry.RequestHash, entry.CreatedAt, entry.ExpiresAt,
	).Scan(&stored.Key, &stored.RequestHash, &stored.CreatedAt, &stored.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("bind idempotency key: %w", err)
	}
	return stored, nil
}

func (r *IdempotencyRepository) Cleanup(ctx context.Context) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
