package callback

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sila/payments/internal/domain/payment"
)

// Status tracks how an inbound webhook was handled.
type Status string

const (
	StatusReceived  Status = "received"
	StatusRejected  Status = "rejected"
	StatusProcessed Status = "processed"
	StatusIgnored   Status = "ignored"
	StatusOrphaned  Status = "orphaned"
	StatusConflict  Status = "conflict"
)

// IsFinal reports whether the callback has already been handled and must not be applied again.
// Orphaned callbacks are only re-applied through an explicit orphan replay.
func (s Status) IsFinal() bool {
	return s == StatusProcessed || s == StatusIgnored || s == StatusOrphaned || s == StatusConflict
}

// Callback is one inbound provider notification, recorded before it is processed.
type Callback struct {
	ID                uuid.UUID
	Provider          payment.Provider
	ProviderEventID   *string
	Payload           []byte
	Headers           map[string]string
	Verified          bool
	Status            Status
	Outcome           *payment.Outcome
	ExternalReference *string
	PaymentID         *uuid.UUID
	Error             *string
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
}

// NewCallback records a raw notification as received.
func NewCallback(provider payment.Provider, payload []byte, headers map[string]string) *Callback {
	return &Callback{
		ID:         uuid.New(),
		Provider:   provider,
		Payload:    payload,
		Headers:    headers,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
}

// Reject marks the callback as untrusted or unreadable.
func (c *Callback) Reject(reason string) {
	c.Status = StatusRejected
	c.Error = &reason
	c.finish()
}

// Identify stores the normalized fields parsed from a verified payload.
func (c *Callback) Identify(eventID, reference string, outcome payment.Outcome) {
	c.Verified = true
	c.ProviderEventID = &eventID
	c.ExternalReference = &reference
	c.Outcome = &outcome
}

// MarkProcessed records the payment the callback was applied to.
func (c *Callback) MarkProcessed(paymentID uuid.UUID, changed bool) {
	c.PaymentID = &paymentID
	c.Status = StatusProcessed
	if !changed && c.Outcome != nil && *c.Outcome == payment.OutcomePending {
		c.Status = StatusIgnored
	}
	c.Error = nil
	c.finish()
}

// MarkOrphaned keeps an unmatched callback for manual reconciliation.
func (c *Callback) MarkOrphaned() {
	c.Status = StatusOrphaned
	reason := "no payment with this external reference"
	c.Error = &reason
	c.finish()
}

// MarkConflict records a terminal outcome that contradicts the ledger.
func (c *Callback) MarkConflict(paymentID uuid.UUID, reason string) {
	c.PaymentID = &paymentID
	c.Status = StatusConflict
	c.Error = &reason
	c.finish()
}

func (c *Callback) finish() {
	now := time.Now().UTC()
	c.ProcessedAt = &now
}

// Repository persists provider callbacks.
type Repository interface {
	// Insert stores a callback that never reaches the dedup stage (rejected callbacks).
	Insert(ctx context.Context, cb *Callback) error

	// Claim inserts cb unless (provider, provider_event_id) already exists, then returns the
	// stored row locked for the rest of the transaction. inserted is false for duplicates.
	Claim(ctx context.Context, cb *Callback) (stored *Callback, inserted bool, err error)

	// Update persists status changes of a claimed callback.
	Update(ctx context.Context, cb *Callback) error

	// GetByID retrieves a callback by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*Callback, error)

	// ListOrphans returns orphaned callbacks, optionally for one provider reference.
	ListOrphans(ctx context.Context, filter OrphanFilter) ([]*Callback, error)
}

// OrphanFilter narrows ListOrphans.
type OrphanFilter struct {
	Provider          *payment.Provider
	ExternalReference *string
	Limit             int
}
