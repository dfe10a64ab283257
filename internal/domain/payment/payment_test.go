package payment_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPayment_Valid(t *testing.T) {
	p, err := payment.NewPayment("abc123", payment.ProviderBNA, payment.Amount{ValueCents: 5000, Currency: "aoa"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, "abc123", p.IdempotencyKey)
	assert.Equal(t, int64(5000), p.Amount.ValueCents)
	assert.Equal(t, "AOA", p.Amount.Currency)
	assert.Nil(t, p.ExternalReference)
	assert.Zero(t, p.SubmitAttempts)
}

func TestNewPayment_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		provider payment.Provider
		amount   payment.Amount
		sentinel error
	}{
		{"negative amount", "k", payment.ProviderBNA, payment.Amount{ValueCents: -1000, Currency: "AOA"}, errors.ErrValidationFailed},
		{"zero amount", "k", payment.ProviderBNA, payment.Amount{ValueCents: 0, Currency: "AOA"}, errors.ErrValidationFailed},
		{"empty currency", "k", payment.ProviderBNA, payment.Amount{ValueCents: 1000, Currency: ""}, errors.ErrValidationFailed},
		{"short currency", "k", payment.ProviderBNA, payment.Amount{ValueCents: 1000, Currency: "AO"}, errors.ErrValidationFailed},
		{"empty key", " ", payment.ProviderBNA, payment.Amount{ValueCents: 1000, Currency: "AOA"}, errors.ErrValidationFailed},
		{"unknown provider", "k", payment.Provider("paypal"), payment.Amount{ValueCents: 1000, Currency: "AOA"}, errors.ErrUnknownProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payment.NewPayment(tt.key, tt.provider, tt.amount)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestParseProvider(t *testing.T) {
	p, err := payment.ParseProvider(" MPESA ")
	require.NoError(t, err)
	assert.Equal(t, payment.ProviderMPesa, p)

	_, err = payment.ParseProvider("stripe")
	assert.ErrorIs(t, err, errors.ErrUnknownProvider)
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "50.00 AOA", payment.Amount{ValueCents: 5000, Currency: "AOA"}.String())
	assert.Equal(t, "100.50 USD", payment.Amount{ValueCents: 10050, Currency: "USD"}.String())
}

// --- State Machine Tests ---

func newPendingPayment(t *testing.T) *payment.Payment {
	t.Helper()
	p, err := payment.NewPayment("key-"+uuid.New().String(), payment.ProviderBNA, payment.Amount{ValueCents: 5000, Currency: "AOA"})
	require.NoError(t, err)
	return p
}

func newSubmittedPayment(t *testing.T, ref string) *payment.Payment {
	t.Helper()
	p := newPendingPayment(t)
	changed, err := p.Submit(ref)
	require.NoError(t, err)
	require.True(t, changed)
	return p
}

func TestSubmit_PendingToSubmitted(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")
	assert.Equal(t, payment.StatusSubmitted, p.Status)
	require.NotNil(t, p.ExternalReference)
	assert.Equal(t, "BNA-999", *p.ExternalReference)
}

func TestSubmit_SameReferenceIsNoop(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")
	updatedAt := p.UpdatedAt

	changed, err := p.Submit("BNA-999")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, updatedAt, p.UpdatedAt)
}

func TestSubmit_DifferentReferenceConflicts(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")

	changed, err := p.Submit("BNA-111")
	assert.False(t, changed)
	assert.ErrorIs(t, err, errors.ErrConflictingReference)
	assert.Equal(t, "BNA-999", *p.ExternalReference)
}

func TestSubmit_EmptyReference(t *testing.T) {
	p := newPendingPayment(t)
	_, err := p.Submit("")
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.Equal(t, payment.StatusPending, p.Status)
}

func TestSubmit_TerminalPaymentRejected(t *testing.T) {
	p := newPendingPayment(t)
	_, err := p.ApplyTerminal(payment.OutcomeFailed, "evt-1")
	require.NoError(t, err)

	_, err = p.Submit("BNA-1")
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
}

func TestApplyTerminal_SubmittedToSucceeded(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")

	changed, err := p.ApplyTerminal(payment.OutcomeSucceeded, "evt-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, payment.StatusSucceeded, p.Status)
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, "evt-1", *p.TerminalEventID)
}

func TestApplyTerminal_PendingCompletesSynchronously(t *testing.T) {
	p := newPendingPayment(t)

	changed, err := p.ApplyTerminal(payment.OutcomeFailed, "evt-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, payment.StatusFailed, p.Status)
}

func TestApplyTerminal_SameOutcomeIsNoop(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")
	_, err := p.ApplyTerminal(payment.OutcomeSucceeded, "evt-1")
	require.NoError(t, err)

	for _, eventID := range []string{"evt-1", "evt-2", "poll:BNA-999"} {
		changed, err := p.ApplyTerminal(payment.OutcomeSucceeded, eventID)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Equal(t, "evt-1", *p.TerminalEventID)
}

func TestApplyTerminal_DifferentOutcomeConflicts(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")
	_, err := p.ApplyTerminal(payment.OutcomeSucceeded, "evt-1")
	require.NoError(t, err)

	changed, err := p.ApplyTerminal(payment.OutcomeFailed, "evt-2")
	assert.False(t, changed)
	assert.ErrorIs(t, err, errors.ErrTerminalStateConflict)
	assert.Equal(t, payment.StatusSucceeded, p.Status)
}

func TestApplyTerminal_SuccessAfterExpiryConflicts(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")
	require.NoError(t, p.Expire(p.CreatedAt.Add(time.Hour), time.Minute))

	_, err := p.ApplyTerminal(payment.OutcomeSucceeded, "evt-late")
	assert.ErrorIs(t, err, errors.ErrTerminalStateConflict)
	assert.Equal(t, payment.StatusExpired, p.Status)
}

func TestAttachLateReference(t *testing.T) {
	p, err := payment.NewPayment("late", payment.ProviderBNA, payment.Amount{ValueCents: 5000, Currency: "AOA"})
	require.NoError(t, err)

	_, err = p.AttachLateReference("BNA-LATE")
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition, "pending payments go through Submit")

	require.NoError(t, p.Expire(p.CreatedAt.Add(time.Hour), time.Minute))

	changed, err := p.AttachLateReference("BNA-LATE")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, payment.StatusExpired, p.Status)
	require.NotNil(t, p.ExternalReference)
	assert.Equal(t, "BNA-LATE", *p.ExternalReference)

	changed, err = p.AttachLateReference("BNA-LATE")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = p.AttachLateReference("BNA-OTHER")
	assert.ErrorIs(t, err, errors.ErrConflictingReference)

	_, err = p.ApplyTerminal(payment.OutcomeSucceeded, "evt-late")
	assert.ErrorIs(t, err, errors.ErrTerminalStateConflict)
}

func TestApplyTerminal_PendingOutcomeIsNoop(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")

	changed, err := p.ApplyTerminal(payment.OutcomePending, "evt-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, payment.StatusSubmitted, p.Status)
}

func TestExpire(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")

	err := p.Expire(p.CreatedAt.Add(30*time.Second), time.Minute)
	assert.ErrorIs(t, err, errors.ErrNotExpired)
	assert.Equal(t, payment.StatusSubmitted, p.Status)

	require.NoError(t, p.Expire(p.CreatedAt.Add(2*time.Minute), time.Minute))
	assert.Equal(t, payment.StatusExpired, p.Status)
	assert.NotNil(t, p.CompletedAt)
}

func TestExpire_NeverFiresOnceTerminal(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")
	_, err := p.ApplyTerminal(payment.OutcomeSucceeded, "evt-1")
	require.NoError(t, err)

	err = p.Expire(p.CreatedAt.Add(24*time.Hour), time.Minute)
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
	assert.Equal(t, payment.StatusSucceeded, p.Status)
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []payment.PaymentStatus{
		payment.StatusPending, payment.StatusSubmitted,
		payment.StatusSucceeded, payment.StatusFailed, payment.StatusExpired,
	}
	for _, terminal := range []payment.PaymentStatus{payment.StatusSucceeded, payment.StatusFailed, payment.StatusExpired} {
		p := &payment.Payment{Status: terminal}
		assert.True(t, p.IsTerminal())
		for _, target := range all {
			assert.False(t, p.CanTransitionTo(target), "%s -> %s", terminal, target)
		}
	}
}

func TestRecordSubmitFailure_StaysPending(t *testing.T) {
	p := newPendingPayment(t)
	p.RecordSubmitFailure("provider timeout")

	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, 1, p.SubmitAttempts)
	assert.Equal(t, "provider timeout", *p.LastError)

	_, err := p.Submit("BNA-1")
	require.NoError(t, err)
	assert.Nil(t, p.LastError)
}

func TestIsStale(t *testing.T) {
	p := newSubmittedPayment(t, "BNA-999")
	now := p.UpdatedAt.Add(10 * time.Minute)

	assert.True(t, p.IsStale(now, 5*time.Minute))

	polled := now.Add(-time.Minute)
	p.MarkPolled(polled)
	assert.False(t, p.IsStale(now, 5*time.Minute))

	pending := newPendingPayment(t)
	assert.False(t, pending.IsStale(now.Add(time.Hour), time.Minute))
}

func TestApplyTerminal_FailureAfterExpiryIsNoop(t *testing.T) {
	p := newSubmittedPayment(t, "UM-1")
	require.NoError(t, p.Expire(p.CreatedAt.Add(time.Hour), 30*time.Minute))

	changed, err := p.ApplyTerminal(payment.OutcomeFailed, "evt-late")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, payment.StatusExpired, p.Status)
}

func TestProvider_RequiresPayerReference(t *testing.T) {
	assert.False(t, payment.ProviderBNA.RequiresPayerReference())
	assert.True(t, payment.ProviderUnitelMoney.RequiresPayerReference())
	assert.True(t, payment.ProviderMPesa.RequiresPayerReference())
}
