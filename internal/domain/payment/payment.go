package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sila/payments/internal/domain/errors"
)

// PaymentStatus represents the payment status in the state machine
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusSubmitted PaymentStatus = "submitted"
	StatusSucceeded PaymentStatus = "succeeded"
	StatusFailed    PaymentStatus = "failed"
	StatusExpired   PaymentStatus = "expired"
)

// Outcome is the normalized result a provider reports for a payment.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// IsTerminal reports whether the outcome ends the payment lifecycle.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// Provider identifies a payment rail.
type Provider string

const (
	ProviderBNA         Provider = "bna"
	ProviderUnitelMoney Provider = "unitel_money"
	ProviderMPesa       Provider = "mpesa"
)

// Providers lists every supported rail.
var Providers = []Provider{ProviderBNA, ProviderUnitelMoney, ProviderMPesa}

// ParseProvider maps a path or JSON value onto a known rail.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, errors.ErrUnknownProvider)
}

// RequiresPayerReference reports whether the rail needs the payer's wallet or phone number.
func (p Provider) RequiresPayerReference() bool {
	return p == ProviderUnitelMoney || p == ProviderMPesa
}

var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending: {
		StatusSubmitted,
		StatusSucceeded, // rails that complete synchronously
		StatusFailed,
		StatusExpired,
	},
	StatusSubmitted: {
		StatusSucceeded,
		StatusFailed,
		StatusExpired,
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusExpired:   {},
}

// Payment is one request to move money through a rail.
type Payment struct {
	ID                uuid.UUID
	IdempotencyKey    string
	Amount            Amount
	Provider          Provider
	ExternalReference *string
	Status            PaymentStatus
	Description       string
	PayerReference    string
	LastError         *string
	SubmitAttempts    int
	TerminalEventID   *string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	LastPolledAt      *time.Time
}

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	whole := a.ValueCents / 100
	frac := a.ValueCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, a.Currency)
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	return validateAmount(a)
}

// NewPayment creates a pending payment.
func NewPayment(idempotencyKey string, provider Provider, amount Amount) (*Payment, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.NewValidationError("idempotency_key", "cannot be empty")
	}
	if _, err := ParseProvider(string(provider)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Payment{
		ID:             uuid.New(),
		IdempotencyKey: idempotencyKey,
		Amount:         Amount{ValueCents: amount.ValueCents, Currency: strings.ToUpper(amount.Currency)},
		Provider:       provider,
		Status:         StatusPending,
		Metadata:       make(map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CanTransitionTo checks if the payment can transition to the given status
func (p *Payment) CanTransitionTo(newStatus PaymentStatus) bool {
	for _, allowed := range transitions[p.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

func (p *Payment) transitionTo(newStatus PaymentStatus) error {
	if !p.CanTransitionTo(newStatus) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(p.Status)+" to "+string(newStatus),
			errors.ErrInvalidStateTransition,
		)
	}

	now := time.Now().UTC()
	p.Status = newStatus
	p.UpdatedAt = now
	if p.IsTerminal() {
		p.CompletedAt = &now
	}
	return nil
}

// Submit records the provider's reference and moves the payment to submitted.
// It reports whether anything changed; a repeated call with the same reference is a no-op.
func (p *Payment) Submit(externalReference string) (bool, error) {
	if externalReference == "" {
		return false, errors.NewValidationError("external_reference", "cannot be empty")
	}
	if p.ExternalReference != nil {
		if *p.ExternalReference == externalReference {
			return false, nil
		}
		return false, errors.NewDomainError(
			"conflicting_reference",
			fmt.Sprintf("payment %s already submitted as %s, got %s", p.ID, *p.ExternalReference, externalReference),
			errors.ErrConflictingReference,
		)
	}
	if err := p.transitionTo(StatusSubmitted); err != nil {
		return false, err
	}
	p.ExternalReference = &externalReference
	p.LastError = nil
	return true, nil
}

// AttachLateReference records the reference of a submission the rail accepted after the
// payment expired. The status stays expired; a success reported for the reference later
// conflicts with it.
func (p *Payment) AttachLateReference(externalReference string) (bool, error) {
	if externalReference == "" {
		return false, errors.NewValidationError("external_reference", "cannot be empty")
	}
	if p.Status != StatusExpired {
		return false, errors.NewDomainError(
			"not_expired",
			fmt.Sprintf("payment %s is %s, late references only attach to expired payments", p.ID, p.Status),
			errors.ErrInvalidStateTransition,
		)
	}
	if p.ExternalReference != nil {
		if *p.ExternalReference == externalReference {
			return false, nil
		}
		return false, errors.NewDomainError(
			"conflicting_reference",
			fmt.Sprintf("payment %s already submitted as %s, got %s", p.ID, *p.ExternalReference, externalReference),
			errors.ErrConflictingReference,
		)
	}
	p.ExternalReference = &externalReference
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ApplyTerminal moves the payment to the terminal state matching outcome.
// Re-applying the outcome the payment already has is a no-op. A different terminal
// outcome on a terminal payment is ErrTerminalStateConflict and leaves it untouched.
// A pending outcome never changes state.
func (p *Payment) ApplyTerminal(outcome Outcome, providerEventID string) (bool, error) {
	if !outcome.IsTerminal() {
		if outcome == OutcomePending {
			return false, nil
		}
		return false, errors.NewValidationError("outcome", "unknown outcome "+string(outcome))
	}

	target := StatusSucceeded
	if outcome == OutcomeFailed {
		target = StatusFailed
	}

	if p.IsTerminal() {
		// An expired payment never moved money, so a late failure agrees with it.
		if p.Status == target || (p.Status == StatusExpired && target == StatusFailed) {
			return false, nil
		}
		prior := ""
		if p.TerminalEventID != nil {
			prior = *p.TerminalEventID
		}
		return false, errors.NewDomainError(
			"terminal_conflict",
			fmt.Sprintf("payment %s is %s (event %q) but event %q reports %s", p.ID, p.Status, prior, providerEventID, outcome),
			errors.ErrTerminalStateConflict,
		)
	}

	if err := p.transitionTo(target); err != nil {
		return false, err
	}
	if providerEventID != "" {
		p.TerminalEventID = &providerEventID
	}
	return true, nil
}

// Expire moves a pending or submitted payment to expired once timeout has elapsed since creation.
func (p *Payment) Expire(now time.Time, timeout time.Duration) error {
	if p.IsTerminal() {
		return p.transitionTo(StatusExpired)
	}
	if now.Sub(p.CreatedAt) < timeout {
		return fmt.Errorf("payment %s created at %s: %w", p.ID, p.CreatedAt.Format(time.RFC3339), errors.ErrNotExpired)
	}
	return p.transitionTo(StatusExpired)
}

// RecordSubmitFailure keeps the payment pending and remembers why the provider call failed.
func (p *Payment) RecordSubmitFailure(reason string) {
	p.SubmitAttempts++
	p.LastError = &reason
	p.UpdatedAt = time.Now().UTC()
}

// RecordSubmitAttempt counts a successful provider call.
func (p *Payment) RecordSubmitAttempt() {
	p.SubmitAttempts++
}

// MarkPolled records that the provider was asked for the current status.
func (p *Payment) MarkPolled(at time.Time) {
	p.LastPolledAt = &at
}

// IsTerminal checks if the payment is in a terminal state
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusSucceeded ||
		p.Status == StatusFailed ||
		p.Status == StatusExpired
}

// IsStale reports whether a submitted payment has gone longer than threshold without news.
func (p *Payment) IsStale(now time.Time, threshold time.Duration) bool {
	if p.Status != StatusSubmitted {
		return false
	}
	last := p.UpdatedAt
	if p.LastPolledAt != nil && p.LastPolledAt.After(last) {
		last = *p.LastPolledAt
	}
	return now.Sub(last) >= threshold
}

func validateAmount(amount Amount) error {
	if amount.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if amount.Currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	// Simple currency validation (3-letter code)
	if len(amount.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}
