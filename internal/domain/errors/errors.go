package errors

import (
	"errors"
	"fmt"
)

var (
	// Payment errors
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrUnsupportedCurrency    = errors.New("currency not supported by provider")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConflictingReference   = errors.New("conflicting external reference")
	ErrTerminalStateConflict  = errors.New("terminal state conflict")
	ErrNotExpired             = errors.New("payment has not reached its expiry timeout")

	// Provider errors
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrProviderUnreachable = errors.New("payment provider unreachable")
	ErrProviderRejected    = errors.New("payment rejected by provider")
	ErrStatusNotSupported  = errors.New("provider does not support status queries")

	// Callback errors
	ErrInvalidSignature  = errors.New("invalid callback signature")
	ErrMalformedCallback = errors.New("malformed callback payload")
	ErrOrphanCallback    = errors.New("callback does not match any payment")
	ErrCallbackNotFound  = errors.New("callback not found")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrIdempotencyKeyReused    = errors.New("idempotency key reused with a different request")
	ErrSubmissionInFlight      = errors.New("submission already in flight")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation error with errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// SubmissionError reports a provider submission that did not go through. The intent
// stays pending so it can be resubmitted.
type SubmissionError struct {
	PaymentID string
	Provider  string
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit payment %s to %s: %v", e.PaymentID, e.Provider, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Retriable reports whether resubmitting the same intent may succeed.
func (e *SubmissionError) Retriable() bool {
	return errors.Is(e.Err, ErrProviderUnreachable)
}
