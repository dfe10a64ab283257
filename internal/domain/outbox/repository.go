package outbox

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert creates a new outbox entry (typically inside a transaction)
	Insert(ctx context.Context, entry *Entry) error

	// GetPending returns pending outbox entries up to the given limit, locking them
	// against concurrent publishers for the rest of the transaction.
	GetPending(ctx context.Context, limit int) ([]*Entry, error)

	// MarkPublished marks an outbox entry as published
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a failed publish; the entry becomes failed once its retries are spent.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error

	// ListFailed returns entries that exhausted their retries.
	ListFailed(ctx context.Context, limit int) ([]*Entry, error)

	// Requeue resets a failed entry to pending with a fresh retry budget.
	Requeue(ctx context.Context, id uuid.UUID) error
}
