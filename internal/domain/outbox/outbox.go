package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to the rest of SILA.
const (
	EventPaymentCreated          = "payment.created"
	EventPaymentSubmitted        = "payment.submitted"
	EventPaymentSucceeded        = "payment.succeeded"
	EventPaymentFailed           = "payment.failed"
	EventPaymentExpired          = "payment.expired"
	EventPaymentSubmittedLate    = "payment.submitted_after_expiry"
	EventPaymentTerminalConflict = "payment.terminal_conflict"
	EventCallbackOrphaned        = "callback.orphaned"
)

const (
	AggregatePayment  = "payment"
	AggregateCallback = "callback"
)

type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastError     *string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]any) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		MaxRetries:    5,
		CreatedAt:     time.Now().UTC(),
	}
}
