package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotAccepted(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rejected", fmt.Errorf("unitel_money: %w", domainErrors.ErrProviderRejected), true},
		{"invalid amount", domainErrors.ErrInvalidAmount, true},
		{"5xx answer", fmt.Errorf("mpesa: %w: %w", &APIError{StatusCode: 503}, domainErrors.ErrProviderUnreachable), true},
		{"never sent", fmt.Errorf("rate limiter: %w: %w", errNotSent, domainErrors.ErrProviderUnreachable), true},
		{"timeout", fmt.Errorf("post: %v: %w", context.DeadlineExceeded, domainErrors.ErrProviderUnreachable), false},
		{"undecodable 2xx", fmt.Errorf("decode: %w", domainErrors.ErrProviderUnreachable), false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, notAccepted(tt.err))
		})
	}
}

// completeFailingGuard loses every reference it is asked to record.
type completeFailingGuard struct {
	*MemoryGuard
}

func (g completeFailingGuard) Complete(context.Context, string, string) error {
	return errors.New("redis: connection refused")
}

func TestGuardedSubmit_CompleteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	req := SubmitRequest{PaymentID: uuid.New()}

	res, err := guardedSubmit(context.Background(), completeFailingGuard{NewMemoryGuard()}, logger, payment.ProviderMPesa, req,
		func(context.Context) (*SubmitResult, error) {
			return &SubmitResult{ExternalReference: "ws_CO_9", Outcome: payment.OutcomePending}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ws_CO_9", res.ExternalReference)
	assert.Contains(t, buf.String(), "failed to record submission reference")
	assert.Contains(t, buf.String(), req.PaymentID.String())
}

func TestGuardedSubmit_UnknownOutcomeBlocksResubmission(t *testing.T) {
	guard := NewMemoryGuard()
	req := SubmitRequest{PaymentID: uuid.New()}
	calls := 0
	submit := func(context.Context) (*SubmitResult, error) {
		calls++
		return nil, fmt.Errorf("post: %v: %w", context.DeadlineExceeded, domainErrors.ErrProviderUnreachable)
	}

	_, err := guardedSubmit(context.Background(), guard, zerolog.Nop(), payment.ProviderUnitelMoney, req, submit)
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnreachable)

	_, err = guardedSubmit(context.Background(), guard, zerolog.Nop(), payment.ProviderUnitelMoney, req, submit)
	assert.ErrorIs(t, err, domainErrors.ErrSubmissionInFlight)
	assert.Equal(t, 1, calls)
}
