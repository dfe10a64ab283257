package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
)

const uniqueViolation = "23505"

const paymentColumns = `id, idempotency_key, amount, currency, provider, external_reference, status,
	description, payer_reference, last_error, submit_attempts, terminal_event_id, metadata,
	created_at, updated_at, completed_at, last_polled_at`

// paymentSelect reads amount as text so it converts to minor units without float rounding.
const paymentSelect = `SELECT id, idempotency_key, amount::text, currency, provider, external_reference, status,
	description, payer_reference, last_error, submit_attempts, terminal_event_id, metadata,
	created_at, updated_at, completed_at, last_polled_at FROM payments`

// allowedSortColumns is a whitelist of columns valid for ORDER BY.
var allowedSortColumns = map[string]string{
	"created_at": "created_at",
	"amount":     "amount",
	"status":     "status",
	"updated_at": "updated_at",
}

// PaymentRepository implements payment.Repository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new payment. A taken idempotency key yields ErrDuplicateIdempotencyKey.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.IdempotencyKey, centsToNumericString(p.Amount.ValueCents), p.Amount.Currency,
		string(p.Provider), p.ExternalReference, string(p.Status),
		nullable(p.Description), nullable(p.PayerReference), p.LastError, p.SubmitAttempts, p.TerminalEventID, metadata,
		p.CreatedAt, p.UpdatedAt, p.CompletedAt, p.LastPolledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByID retrieves a payment by its ID.
func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		paymentSelect+` WHERE id = $1`, id))
}

// GetByIdempotencyKey retrieves a payment by idempotency key.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		paymentSelect+` WHERE idempotency_key = $1`, key))
}

// LockByID selects the payment FOR UPDATE. It must run inside a transaction.
func (r *PaymentRepository) LockByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		paymentSelect+` WHERE id = $1 FOR UPDATE`, id))
}

// LockByExternalReference selects the payment a rail knows as reference FOR UPDATE.
func (r *PaymentRepository) LockByExternalReference(ctx context.Context, provider payment.Provider, reference string) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		paymentSelect+`
		 WHERE provider = $1 AND external_reference = $2 FOR UPDATE`, string(provider), reference))
}

// Update persists the mutable fields of a payment.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payments SET
		  status=$1, external_reference=$2, last_error=$3, submit_attempts=$4,
		  terminal_event_id=$5, metadata=$6, updated_at=$7, completed_at=$8, last_polled_at=$9
		 WHERE id=$10`,
		string(p.Status), p.ExternalReference, p.LastError, p.SubmitAttempts,
		p.TerminalEventID, metadata, p.UpdatedAt, p.CompletedAt, p.LastPolledAt, p.ID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("payment %s: %w", p.ID, domainErrors.ErrConflictingReference)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrPaymentNotFound
	}
	return nil
}

// List lists payments with optional filters.
func (r *PaymentRepository) List(ctx context.Context, f payment.ListFilter) ([]*payment.Payment, error) {
	query := paymentSelect + ` WHERE 1=1`
	args := []any{}
	argIdx := 1

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if f.Provider != nil {
		query += fmt.Sprintf(" AND provider = $%d", argIdx)
		args = append(args, string(*f.Provider))
		argIdx++
	}
	if f.CreatedBefore != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *f.CreatedBefore)
		argIdx++
	}

	// Strict whitelist for sort column
	sortBy := "created_at"
	if col, ok := allowedSortColumns[f.SortBy]; ok {
		sortBy = col
	}
	sortOrder := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		sortOrder = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, sortOrder)

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// AddEvent inserts a payment event.
func (r *PaymentRepository) AddEvent(ctx context.Context, event *payment.PaymentEvent) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payment_events (id, payment_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.PaymentID, event.EventType, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

// GetEvents retrieves events for a payment.
func (r *PaymentRepository) GetEvents(ctx context.Context, paymentID uuid.UUID) ([]*payment.PaymentEvent, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, payment_id, event_type, event_data, created_at
		 FROM payment_events WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	var events []*payment.PaymentEvent
	for rows.Next() {
		e := &payment.PaymentEvent{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(data, &e.EventData); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- scanning helpers ---

func scanPayment(s scanner) (*payment.Payment, error) {
	p := &payment.Payment{Metadata: make(map[string]any)}
	var (
		amountStr   string
		provider    string
		status      string
		description *string
		payer       *string
		metadata    []byte
	)
	err := s.Scan(
		&p.ID, &p.IdempotencyKey, &amountStr, &p.Amount.Currency, &provider, &p.ExternalReference, &status,
		&description, &payer, &p.LastError, &p.SubmitAttempts, &p.TerminalEventID, &metadata,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt, &p.LastPolledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	cents, err := numericStringToCents(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	p.Amount.ValueCents = cents
	p.Provider = payment.Provider(provider)
	p.Status = payment.PaymentStatus(status)
	if description != nil {
		p.Description = *description
	}
	if payer != nil {
		p.PayerReference = *payer
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal payment metadata: %w", err)
		}
	}
	return p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
