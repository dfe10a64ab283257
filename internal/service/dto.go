package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sila/payments/internal/domain/callback"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/providers"
)

// Controllers convert their HTTP DTOs to this type.
type CreatePaymentRequest struct {
	IdempotencyKey string
	Provider       string
	Amount         int64 // in minor units
	Currency       string
	Description    string
	PayerReference string
	Metadata       map[string]any
}

type CreatePaymentResponse struct {
	Payment *payment.Payment
	// Replayed is set when the idempotency key matched an existing intent.
	Replayed bool
}

// CallbackResult describes how a webhook was handled.
type CallbackResult struct {
	CallbackID    uuid.UUID
	Provider      payment.Provider
	EventID       string
	Status        callback.Status
	PaymentID     *uuid.UUID
	PaymentStatus payment.PaymentStatus
	// Duplicate is set when the event had already been handled.
	Duplicate bool
}

// TransactionManager runs fn in one database transaction, rolling back when it returns an
// error. Calls must not nest, and fn may run more than once, so it must not call out to a rail.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProviderRegistry resolves rails and routes outbound calls. *providers.Registry implements it.
type ProviderRegistry interface {
	Get(provider payment.Provider) (providers.Adapter, error)
	Submit(ctx context.Context, provider payment.Provider, req providers.SubmitRequest) (*providers.SubmitResult, error)
	QueryStatus(ctx context.Context, provider payment.Provider, reference string) (*providers.StatusResult, error)
}

// PollPublisher hands out-of-band status polls to the worker.
type PollPublisher interface {
	RequestStatusPoll(ctx context.Context, paymentID uuid.UUID, provider string) error
}

// OrphanReplayer re-applies orphaned callbacks once their payment is known.
type OrphanReplayer interface {
	ReplayOrphans(ctx context.Context, filter callback.OrphanFilter) (int, error)
}
