package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sila/payments/internal/domain/callback"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
)

const callbackColumns = `id, provider, provider_event_id, payload, headers, verified, status, outcome,
	external_reference, payment_id, error, received_at, processed_at`

// CallbackRepository implements callback.Repository using PostgreSQL.
type CallbackRepository struct {
	pool *pgxpool.Pool
}

func NewCallbackRepository(pool *pgxpool.Pool) *CallbackRepository {
	return &CallbackRepository{pool: pool}
}

func (r *CallbackRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *CallbackRepository) insert(ctx context.Context, cb *callback.Callback, onConflict string) (int64, error) {
	headers, err := json.Marshal(cb.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal callback headers: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO provider_callbacks (`+callbackColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) `+onConflict,
		cb.ID, string(cb.Provider), cb.ProviderEventID, cb.Payload, headers, cb.Verified, string(cb.Status),
		outcomeValue(cb.Outcome), cb.ExternalReference, cb.PaymentID, cb.Error, cb.ReceivedAt, cb.ProcessedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert callback: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Insert stores a callback that is not subject to dedup, such as a rejected one.
func (r *CallbackRepository) Insert(ctx context.Context, cb *callback.Callback) error {
	_, err := r.insert(ctx, cb, "")
	return err
}

// Claim inserts cb unless its (provider, provider_event_id) is already stored, then locks
// the stored row. A concurrent claimer blocks on the insert until the first one commits.
func (r *CallbackRepository) Claim(ctx context.Context, cb *callback.Callback) (*callback.Callback, bool, error) {
	if cb.ProviderEventID == nil {
		return nil, false, fmt.Errorf("claim callback %s without provider event id: %w", cb.ID, domainErrors.ErrMalformedCallback)
	}

	n, err := r.insert(ctx, cb,
		`ON CONFLICT (provider, provider_event_id) WHERE provider_event_id IS NOT NULL DO NOTHING`)
	if err != nil {
		return nil, false, err
	}

	stored, err := scanCallback(r.db(ctx).QueryRow(ctx,
		`SELECT `+callbackColumns+` FROM provider_callbacks
		 WHERE provider = $1 AND provider_event_id = $2 FOR UPDATE`,
		string(cb.Provider), *cb.ProviderEventID))
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// Update persists the processing outcome of a callback.
func (r *CallbackRepository) Update(ctx context.Context, cb *callback.Callback) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE provider_callbacks SET
		  verified=$1, status=$2, outcome=$3, external_reference=$4, payment_id=$5, error=$6, processed_at=$7
		 WHERE id=$8`,
		cb.Verified, string(cb.Status), outcomeValue(cb.Outcome), cb.ExternalReference, cb.PaymentID,
		cb.Error, cb.ProcessedAt, cb.ID,
	)
	if err != nil {
		return fmt.Errorf("update callback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrCallbackNotFound
	}
	return nil
}

func (r *CallbackRepository) GetByID(ctx context.Context, id uuid.UUID) (*callback.Callback, error) {
	return scanCallback(r.db(ctx).QueryRow(ctx,
		`SELECT `+callbackColumns+` FROM provider_callbacks WHERE id = $1`, id))
}

// ListOrphans returns orphaned callbacks oldest first. Inside a transaction the rows are locked
// and rows locked by another replay are skipped.
func (r *CallbackRepository) ListOrphans(ctx context.Context, f callback.OrphanFilter) ([]*callback.Callback, error) {
	query := `SELECT ` + callbackColumns + ` FROM provider_callbacks WHERE status = 'orphaned'`
	args := []any{}
	argIdx := 1

	if f.Provider != nil {
		query += fmt.Sprintf(" AND provider = $%d", argIdx)
		args = append(args, string(*f.Provider))
		argIdx++
	}
	if f.ExternalReference != nil {
		query += fmt.Sprintf(" AND external_reference = $%d", argIdx)
		args = append(args, *f.ExternalReference)
		argIdx++
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY received_at ASC LIMIT $%d", argIdx)
	args = append(args, limit)
	if _, inTx := ctx.Value(txKey).(pgx.Tx); inTx {
		query += " FOR UPDATE SKIP LOCKED"
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orphaned callbacks: %w", err)
	}
	defer rows.Close()

	var out []*callback.Callback
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func scanCallback(s scanner) (*callback.Callback, error) {
	cb := &callback.Callback{}
	var (
		provider string
		status   string
		outcome  *string
		headers  []byte
	)
	err := s.Scan(
		&cb.ID, &provider, &cb.ProviderEventID, &cb.Payload, &headers, &cb.Verified, &status, &outcome,
		&cb.ExternalReference, &cb.PaymentID, &cb.Error, &cb.ReceivedAt, &cb.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrCallbackNotFound
		}
		return nil, fmt.Errorf("scan callback: %w", err)
	}

	cb.Provider = payment.Provider(provider)
	cb.Status = callback.Status(status)
	if outcome != nil {
		o := payment.Outcome(*outcome)
		cb.Outcome = &o
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &cb.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal callback headers: %w", err)
		}
	}
	return cb, nil
}

func outcomeValue(o *payment.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}
