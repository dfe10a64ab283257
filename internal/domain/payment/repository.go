package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment persistence
type Repository interface {
	// Create creates a new payment
	Create(ctx context.Context, payment *Payment) error

	// GetByID retrieves a payment by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// GetByIdempotencyKey retrieves a payment by idempotency key
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)

	// LockByID loads a payment and holds its row lock until the surrounding transaction ends.
	LockByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// LockByExternalReference is LockByID keyed by the rail's reference.
	LockByExternalReference(ctx context.Context, provider Provider, reference string) (*Payment, error)

	// Update updates an existing payment
	Update(ctx context.Context, payment *Payment) error

	// List lists payments with filters
	List(ctx context.Context, filter ListFilter) ([]*Payment, error)

	// AddEvent adds a payment event for audit trail
	AddEvent(ctx context.Context, event *PaymentEvent) error

	// GetEvents retrieves events for a payment
	GetEvents(ctx context.Context, paymentID uuid.UUID) ([]*PaymentEvent, error)
}

// ListFilter defines filters for listing payments
type ListFilter struct {
	Statuses      []PaymentStatus
	Provider      *Provider
	CreatedBefore *time.Time
	Limit         int
	Offset        int
	SortBy        string
	SortOrder     string
}

// PaymentEvent represents an event in the payment lifecycle
type PaymentEvent struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

// NewEvent builds an audit event for p.
func NewEvent(p *Payment, eventType string, data map[string]any) *PaymentEvent {
	if data == nil {
		data = make(map[string]any)
	}
	data["status"] = string(p.Status)
	return &PaymentEvent{
		ID:        uuid.New(),
		PaymentID: p.ID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	}
}
