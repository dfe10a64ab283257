package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
)

// guardedSubmit runs submit at most once per intent. A reference recorded by an earlier
// submission is returned instead of calling the rail again. The reservation is only given
// back when the rail's answer proves it did not take the payment; after a timeout or a lost
// connection it stays in flight until the guard ttl runs out.
func guardedSubmit(ctx context.Context, guard SubmissionGuard, logger zerolog.Logger, provider payment.Provider,
	req SubmitRequest, submit func(context.Context) (*SubmitResult, error)) (*SubmitResult, error) {
	if guard == nil {
		return submit(ctx)
	}

	key := string(provider) + ":" + req.PaymentID.String()
	reference, reserved, err := guard.Reserve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domainErrors.ErrProviderUnreachable)
	}
	if !reserved {
		if reference != "" {
			return &SubmitResult{ExternalReference: reference, Outcome: payment.OutcomePending, Deduplicated: true}, nil
		}
		return nil, fmt.Errorf("%s payment %s: %w: %w", provider, req.PaymentID, domainErrors.ErrSubmissionInFlight, domainErrors.ErrProviderUnreachable)
	}

	result, err := submit(ctx)
	if err != nil {
		if !notAccepted(err) {
			logger.Warn().Err(err).Str("payment_id", req.PaymentID.String()).
				Msg("submission outcome unknown, keeping the guard reserved")
			return nil, err
		}
		if relErr := guard.Release(context.WithoutCancel(ctx), key); relErr != nil {
			return nil, fmt.Errorf("%w (guard release: %v)", err, relErr)
		}
		return nil, err
	}

	if err := guard.Complete(context.WithoutCancel(ctx), key, result.ExternalReference); err != nil {
		logger.Error().Err(err).Str("payment_id", req.PaymentID.String()).
			Str("external_reference", result.ExternalReference).
			Msg("failed to record submission reference, retries stay blocked until the guard expires")
	}
	return result, nil
}

// notAccepted reports whether err proves the rail did not take the payment: the request
// never left, or the rail answered with a refusal or an error status.
func notAccepted(err error) bool {
	var apiErr *APIError
	return errors.Is(err, errNotSent) ||
		errors.Is(err, domainErrors.ErrProviderRejected) ||
		errors.Is(err, domainErrors.ErrInvalidAmount) ||
		errors.As(err, &apiErr)
}

// MemoryGuard is an in-process SubmissionGuard.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{entries: make(map[string]string)}
}

func (g *MemoryGuard) Reserve(_ context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ref, ok := g.entries[key]; ok {
		return ref, false, nil
	}
	g.entries[key] = ""
	return "", true, nil
}

func (g *MemoryGuard) Complete(_ context.Context, key, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = reference
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}
