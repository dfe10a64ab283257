package providers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/sila/payments/internal/domain/payment"
)

// SubmitRequest is what the ledger hands to a rail when dispatching a payment intent.
type SubmitRequest struct {
	PaymentID      uuid.UUID
	IdempotencyKey string
	Amount         payment.Amount
	Description    string
	PayerReference string
}

// SubmitResult is the rail's answer to a submission.
type SubmitResult struct {
	ExternalReference string
	// Outcome is pending for asynchronous rails; some rails settle synchronously.
	Outcome payment.Outcome
	// Deduplicated is set when the reference came from an earlier submission of the same intent.
	Deduplicated bool
}

// NormalizedEvent is a provider callback mapped onto the ledger's vocabulary.
type NormalizedEvent struct {
	ProviderEventID   string
	ExternalReference string
	Outcome           payment.Outcome
	Reason            string
}

// StatusResult is the answer to a status query on the poll path.
type StatusResult struct {
	Outcome payment.Outcome
	Reason  string
}

// Adapter is one payment rail.
type Adapter interface {
	// Name returns the rail this adapter talks to.
	Name() payment.Provider
	// SupportsCurrency reports whether the rail accepts the ISO-4217 code.
	SupportsCurrency(code string) bool
	// Submit dispatches a payment. Errors wrap ErrProviderRejected, ErrProviderUnreachable or ErrInvalidAmount.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	// VerifyCallback checks the rail's authentication scheme on a raw webhook.
	VerifyCallback(payload []byte, headers http.Header) bool
	// ParseCallback normalizes a verified webhook body. Errors wrap ErrMalformedCallback.
	ParseCallback(payload []byte) (*NormalizedEvent, error)
}

// StatusQuerier is implemented by rails that expose a status endpoint.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, reference string) (*StatusResult, error)
}

// SubmissionGuard suppresses duplicate submissions on rails without native idempotency.
type SubmissionGuard interface {
	// Reserve claims key. When it is already taken, reference is the one recorded by the
	// earlier submission, or empty while that submission is still in flight.
	Reserve(ctx context.Context, key string) (reference string, reserved bool, err error)
	Complete(ctx context.Context, key, reference string) error
	Release(ctx context.Context, key string) error
}
