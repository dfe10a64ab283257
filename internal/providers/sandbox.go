package providers

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
)

const SandboxSignatureHeader = "X-Sandbox-Signature"

// Sandbox stands in for a rail in development and tests. It accepts every submission
// (subject to the configured failure and timeout rates) and signs callbacks with HMAC-SHA256 hex.
type Sandbox struct {
	name        payment.Provider
	secret      string
	currencies  []string
	failureRate float64 // 0.0 to 1.0
	latency     time.Duration
	timeoutRate float64 // 0.0 to 1.0

	mu       sync.Mutex
	statuses map[string]payment.Outcome
}

type SandboxOption func(*Sandbox)

func WithFailureRate(rate float64) SandboxOption {
	return func(s *Sandbox) { s.failureRate = rate }
}

func WithLatency(d time.Duration) SandboxOption {
	return func(s *Sandbox) { s.latency = d }
}

func WithTimeoutRate(rate float64) SandboxOption {
	return func(s *Sandbox) { s.timeoutRate = rate }
}

func WithCurrencies(codes ...string) SandboxOption {
	return func(s *Sandbox) { s.currencies = codes }
}

func NewSandbox(name payment.Provider, secret string, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		name:       name,
		secret:     secret,
		currencies: []string{"AOA"},
		latency:    50 * time.Millisecond,
		statuses:   make(map[string]payment.Outcome),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sandbox) Name() payment.Provider { return s.name }

func (s *Sandbox) SupportsCurrency(code string) bool { return supportsCurrency(s.currencies, code) }

func (s *Sandbox) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	// Simulate latency
	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
		return nil, fmt.Errorf("%s sandbox: %v: %w", s.name, ctx.Err(), domainErrors.ErrProviderUnreachable)
	}

	// Simulate timeout
	if rand.Float64() < s.timeoutRate {
		return nil, fmt.Errorf("%s sandbox: simulated timeout: %w", s.name, domainErrors.ErrProviderUnreachable)
	}

	// Simulate failure
	if rand.Float64() < s.failureRate {
		return nil, fmt.Errorf("%s sandbox: simulated rejection for payment %s: %w", s.name, req.PaymentID, domainErrors.ErrProviderRejected)
	}

	ref := fmt.Sprintf("%s-%s", strings.ToUpper(string(s.name)), uuid.New().String()[:8])
	s.SetStatus(ref, payment.OutcomePending)
	return &SubmitResult{ExternalReference: ref, Outcome: payment.OutcomePending}, nil
}

// SetStatus fixes what QueryStatus reports for reference.
func (s *Sandbox) SetStatus(reference string, outcome payment.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[reference] = outcome
}

func (s *Sandbox) QueryStatus(_ context.Context, reference string) (*StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.statuses[reference]
	if !ok {
		return nil, fmt.Errorf("%s sandbox: unknown reference %s: %w", s.name, reference, domainErrors.ErrProviderRejected)
	}
	return &StatusResult{Outcome: outcome}, nil
}

// SandboxCallback is the body a sandbox rail posts to the webhook endpoint.
type SandboxCallback struct {
	EventID   string          `json:"event_id"`
	Reference string          `json:"reference"`
	Outcome   payment.Outcome `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
}

// Sign returns the signature header value for payload.
func (s *Sandbox) Sign(payload []byte) string {
	return hex.EncodeToString(SignHMAC(s.secret, payload))
}

func (s *Sandbox) VerifyCallback(payload []byte, headers http.Header) bool {
	got, err := hex.DecodeString(headers.Get(SandboxSignatureHeader))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, SignHMAC(s.secret, payload))
}

func (s *Sandbox) ParseCallback(payload []byte) (*NormalizedEvent, error) {
	var cb SandboxCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, malformed(s.name, "invalid json: %v", err)
	}
	if cb.EventID == "" || cb.Reference == "" {
		return nil, malformed(s.name, "event_id and reference are required")
	}
	switch cb.Outcome {
	case payment.OutcomeSucceeded, payment.OutcomeFailed, payment.OutcomePending:
	default:
		return nil, malformed(s.name, "unknown outcome %q", cb.Outcome)
	}
	return &NormalizedEvent{
		ProviderEventID:   cb.EventID,
		ExternalReference: cb.Reference,
		Outcome:           cb.Outcome,
		Reason:            cb.Reason,
	}, nil
}
