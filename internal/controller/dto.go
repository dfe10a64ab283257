package controller

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/service"
)

// --- Request DTOs ---
// Amounts travel as decimal strings in major units ("50.00"); the ledger stores minor units.

// CreatePaymentRequest holds the input for creating a payment intent.
type CreatePaymentRequest struct {
	Provider       string          `json:"provider" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"required,len=3,alpha"`
	Description    string          `json:"description" validate:"max=255"`
	PayerReference string          `json:"payer_reference,omitempty" validate:"max=64"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// --- Response DTOs ---

// PaymentResponse represents a payment intent in API responses.
type PaymentResponse struct {
	ID                string         `json:"id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	Provider          string         `json:"provider"`
	Amount            string         `json:"amount"`
	AmountCents       int64          `json:"amount_cents"`
	Currency          string         `json:"currency"`
	Status            string         `json:"status"`
	ExternalReference *string        `json:"external_reference,omitempty"`
	Description       string         `json:"description,omitempty"`
	PayerReference    string         `json:"payer_reference,omitempty"`
	SubmitAttempts    int            `json:"submit_attempts"`
	LastError         *string        `json:"last_error,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	LastPolledAt      *time.Time     `json:"last_polled_at,omitempty"`
}

// PaymentEventResponse is one entry of a payment's audit trail.
type PaymentEventResponse struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// CallbackResponse acknowledges a webhook delivery.
type CallbackResponse struct {
	CallbackID    string  `json:"callback_id"`
	Provider      string  `json:"provider"`
	EventID       string  `json:"event_id"`
	Result        string  `json:"result"`
	Duplicate     bool    `json:"duplicate"`
	PaymentID     *string `json:"payment_id,omitempty"`
	PaymentStatus string  `json:"payment_status,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string  `json:"error"`
	Code      string  `json:"code"`
	PaymentID *string `json:"payment_id,omitempty"`
}

// --- Conversion helpers ---

// FromPayment converts a domain payment to API response.
func FromPayment(p *payment.Payment) *PaymentResponse {
	return &PaymentResponse{
		ID:                p.ID.String(),
		IdempotencyKey:    p.IdempotencyKey,
		Provider:          string(p.Provider),
		Amount:            centsToAmount(p.Amount.ValueCents),
		AmountCents:       p.Amount.ValueCents,
		Currency:          p.Amount.Currency,
		Status:            string(p.Status),
		ExternalReference: p.ExternalReference,
		Description:       p.Description,
		PayerReference:    p.PayerReference,
		SubmitAttempts:    p.SubmitAttempts,
		LastError:         p.LastError,
		Metadata:          p.Metadata,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		CompletedAt:       p.CompletedAt,
		LastPolledAt:      p.LastPolledAt,
	}
}

func FromPaymentEvent(e *payment.PaymentEvent) *PaymentEventResponse {
	return &PaymentEventResponse{
		ID:        e.ID.String(),
		EventType: e.EventType,
		Data:      e.EventData,
		CreatedAt: e.CreatedAt,
	}
}

func FromCallbackResult(r *service.CallbackResult) *CallbackResponse {
	resp := &CallbackResponse{
		CallbackID: r.CallbackID.String(),
		Provider:   string(r.Provider),
		EventID:    r.EventID,
		Result:     string(r.Status),
		Duplicate:  r.Duplicate,
	}
	if r.PaymentID != nil {
		id := r.PaymentID.String()
		resp.PaymentID = &id
	}
	if r.PaymentStatus != "" {
		resp.PaymentStatus = string(r.PaymentStatus)
	}
	return resp
}

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// amountToCents converts a major-unit amount to minor units. Fractions of a cent are refused
// rather than rounded.
func amountToCents(d decimal.Decimal) (int64, error) {
	if d.Sign() <= 0 {
		return 0, domainErrors.NewValidationError("amount", "must be greater than 0")
	}
	cents := d.Mul(hundred)
	if !cents.IsInteger() {
		return 0, domainErrors.NewValidationError("amount", "must have at most 2 decimal places")
	}
	if cents.GreaterThan(maxCents) {
		return 0, domainErrors.NewValidationError("amount", "is too large")
	}
	return cents.IntPart(), nil
}

// centsToAmount renders minor units as a major-unit decimal string.
func centsToAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
