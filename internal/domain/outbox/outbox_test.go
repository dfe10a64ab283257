package outbox

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	aggregateID := uuid.New()
	payload := map[string]any{
		"payment_id":   aggregateID.String(),
		"amount_cents": 5000,
		"currency":     "AOA",
	}

	entry := NewEntry(AggregatePayment, aggregateID, EventPaymentSucceeded, payload)

	require.NotNil(t, entry)
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, "payment", entry.AggregateType)
	assert.Equal(t, aggregateID, entry.AggregateID)
	assert.Equal(t, "payment.succeeded", entry.EventType)
	assert.Equal(t, payload, entry.Payload)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, 5, entry.MaxRetries)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Nil(t, entry.PublishedAt)
}

func TestNewEntry_EmptyPayload(t *testing.T) {
	entry := NewEntry(AggregateCallback, uuid.New(), EventCallbackOrphaned, nil)

	require.NotNil(t, entry)
	assert.Nil(t, entry.Payload)
	assert.Equal(t, StatusPending, entry.Status)
}
