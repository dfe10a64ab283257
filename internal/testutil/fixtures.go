package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/observability"
	"github.com/sila/payments/internal/providers"
)

// WebhookSecret signs callbacks of every StubAdapter built by NewStubAdapter.
const WebhookSecret = "test-webhook-secret"

func NewTestPayment(provider payment.Provider, amountCents int64, currency string) *payment.Payment {
	now := time.Now().UTC()
	return &payment.Payment{
		ID:             uuid.New(),
		IdempotencyKey: uuid.New().String(),
		Amount:         payment.Amount{ValueCents: amountCents, Currency: currency},
		Provider:       provider,
		Status:         payment.StatusPending,
		Metadata:       make(map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func NewSubmittedPayment(provider payment.Provider, reference string) *payment.Payment {
	p := NewTestPayment(provider, 5000, "AOA")
	p.Status = payment.StatusSubmitted
	p.ExternalReference = &reference
	p.SubmitAttempts = 1
	return p
}

// NewTestMetrics registers metrics on a private registry so tests never collide.
func NewTestMetrics() *observability.Metrics {
	return observability.NewMetrics("test", prometheus.NewRegistry())
}

// StubAdapter is a scripted rail. Callbacks use the sandbox format and signature, so
// tests build them with Callback.
type StubAdapter struct {
	*providers.Sandbox

	SubmitFunc func(ctx context.Context, req providers.SubmitRequest) (*providers.SubmitResult, error)
	StatusFunc func(ctx context.Context, reference string) (*providers.StatusResult, error)

	mu      sync.Mutex
	submits []providers.SubmitRequest
}

func NewStubAdapter(provider payment.Provider) *StubAdapter {
	return &StubAdapter{Sandbox: providers.NewSandbox(provider, WebhookSecret)}
}

func (s *StubAdapter) Submit(ctx context.Context, req providers.SubmitRequest) (*providers.SubmitResult, error) {
	s.mu.Lock()
	s.submits = append(s.submits, req)
	s.mu.Unlock()

	if s.SubmitFunc != nil {
		return s.SubmitFunc(ctx, req)
	}
	return s.Sandbox.Submit(ctx, req)
}

func (s *StubAdapter) QueryStatus(ctx context.Context, reference string) (*providers.StatusResult, error) {
	if s.StatusFunc != nil {
		return s.StatusFunc(ctx, reference)
	}
	return s.Sandbox.QueryStatus(ctx, reference)
}

// Submits returns the requests the rail has received.
func (s *StubAdapter) Submits() []providers.SubmitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providers.SubmitRequest(nil), s.submits...)
}

// Callback builds a signed webhook body and headers for the stub rail.
func (s *StubAdapter) Callback(eventID, reference string, outcome payment.Outcome) ([]byte, http.Header) {
	body, _ := json.Marshal(providers.SandboxCallback{EventID: eventID, Reference: reference, Outcome: outcome})
	headers := http.Header{}
	headers.Set(providers.SandboxSignatureHeader, s.Sign(body))
	return body, headers
}

// ReturnReference makes every submission succeed with reference.
func ReturnReference(reference string) func(context.Context, providers.SubmitRequest) (*providers.SubmitResult, error) {
	return func(context.Context, providers.SubmitRequest) (*providers.SubmitResult, error) {
		return &providers.SubmitResult{ExternalReference: reference, Outcome: payment.OutcomePending}, nil
	}
}

// NewTestRegistry registers the given adapters behind circuit breakers with a high threshold.
func NewTestRegistry(metrics *observability.Metrics, adapters ...providers.Adapter) *providers.Registry {
	reg := providers.NewRegistry(providers.BreakerSettings{Threshold: 100, Timeout: time.Second}, metrics, zerolog.Nop())
	for _, a := range adapters {
		reg.Register(a)
	}
	return reg
}
