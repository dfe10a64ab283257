package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sila/payments/internal/domain/callback"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/outbox"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/sila/payments/internal/infrastructure/observability"
	"github.com/sila/payments/internal/providers"
	"github.com/sila/payments/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
)

const expiryBatchSize = 100

// PaymentServiceDeps are the collaborators of a PaymentService.
type PaymentServiceDeps struct {
	Payments  payment.Repository
	Outbox    outbox.Repository
	TxManager TransactionManager
	Providers ProviderRegistry
	// Polls and Orphans are optional.
	Polls   PollPublisher
	Orphans OrphanReplayer
	Config  config.PaymentConfig
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// PaymentService handles payment-related business logic.
type PaymentService struct {
	paymentRepo payment.Repository
	outboxRepo  outbox.Repository
	txManager   TransactionManager
	providers   ProviderRegistry
	polls       PollPublisher
	orphans     OrphanReplayer
	cfg         config.PaymentConfig
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(deps PaymentServiceDeps) *PaymentService {
	return &PaymentService{
		paymentRepo: deps.Payments,
		outboxRepo:  deps.Outbox,
		txManager:   deps.TxManager,
		providers:   deps.Providers,
		polls:       deps.Polls,
		orphans:     deps.Orphans,
		cfg:         deps.Config,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With().Str("component", "payment_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreatePayment records a payment intent and submits it to its rail.
//
// A known idempotency key returns the stored intent without resubmitting. When the rail
// does not accept the submission the intent stays pending and CreatePayment returns both
// the response and a *SubmissionError.
func (s *PaymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResponse, error) {
	ctx, span := observability.StartSpan(ctx, "PaymentService.CreatePayment",
		attribute.String("provider", req.Provider))
	defer span.End()

	provider, amount, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	// 1. Replays return the original intent
	existing, err := s.paymentRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(existing, provider, amount)
	case !errors.Is(err, domainErrors.ErrPaymentNotFound):
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	// 2. Persist the pending intent
	p, err := payment.NewPayment(req.IdempotencyKey, provider, amount)
	if err != nil {
		return nil, err
	}
	p.Description = req.Description
	p.PayerReference = req.PayerReference
	for k, v := range req.Metadata {
		p.Metadata[k] = v
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.paymentRepo.Create(txCtx, p); err != nil {
			return err
		}
		return s.record(txCtx, p, outbox.EventPaymentCreated, nil)
	})
	if errors.Is(err, domainErrors.ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key won the insert.
		existing, getErr := s.paymentRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("load concurrent payment: %w", getErr)
		}
		return s.replay(existing, provider, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	s.metrics.PaymentsTotal.WithLabelValues(string(provider), "created").Inc()
	s.logger.Info().Str("payment_id", p.ID.String()).Str("provider", string(provider)).
		Str("amount", p.Amount.String()).Msg("payment created")

	// 3. Submit outside any lock
	submitted, err := s.submit(ctx, p)
	if submitted != nil {
		p = submitted
	}
	return &CreatePaymentResponse{Payment: p}, err
}

func (s *PaymentService) validate(req CreatePaymentRequest) (payment.Provider, payment.Amount, error) {
	amount := payment.Amount{ValueCents: req.Amount, Currency: strings.ToUpper(strings.TrimSpace(req.Currency))}

	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return "", amount, domainErrors.NewValidationError("idempotency_key", "cannot be empty")
	}
	if err := amount.Validate(); err != nil {
		return "", amount, err
	}
	provider, err := payment.ParseProvider(req.Provider)
	if err != nil {
		return "", amount, err
	}
	adapter, err := s.providers.Get(provider)
	if err != nil {
		return "", amount, err
	}
	if !adapter.SupportsCurrency(amount.Currency) {
		return "", amount, fmt.Errorf("%w: %w",
			domainErrors.NewValidationError("currency", amount.Currency+" is not accepted by "+string(provider)),
			domainErrors.ErrUnsupportedCurrency)
	}
	if provider.RequiresPayerReference() && strings.TrimSpace(req.PayerReference) == "" {
		return "", amount, domainErrors.NewValidationError("payer_reference", "required for "+string(provider))
	}
	return provider, amount, nil
}

// replay returns the stored intent for a reused key. A key reused for a different
// payment is refused rather than answered with someone else's intent.
func (s *PaymentService) replay(existing *payment.Payment, provider payment.Provider, amount payment.Amount) (*CreatePaymentResponse, error) {
	if existing.Provider != provider || existing.Amount != amount {
		return nil, domainErrors.NewDomainError(
			"idempotency_key_reused",
			fmt.Sprintf("idempotency key %q belongs to payment %s", existing.IdempotencyKey, existing.ID),
			domainErrors.ErrIdempotencyKeyReused,
		)
	}
	s.metrics.PaymentsTotal.WithLabelValues(string(provider), "replayed").Inc()
	return &CreatePaymentResponse{Payment: existing, Replayed: true}, nil
}

// Resubmit dispatches a pending intent again, after an earlier submission failed.
func (s *PaymentService) Resubmit(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	p, err := s.paymentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusPending {
		return p, domainErrors.NewDomainError(
			"not_resubmittable",
			fmt.Sprintf("payment %s is %s, only pending payments can be resubmitted", p.ID, p.Status),
			domainErrors.ErrInvalidStateTransition,
		)
	}
	submitted, err := s.submit(ctx, p)
	if submitted != nil {
		p = submitted
	}
	return p, err
}

// submit calls the rail without holding the row lock and then records the result under it.
func (s *PaymentService) submit(ctx context.Context, p *payment.Payment) (*payment.Payment, error) {
	ctx, span := observability.StartSpan(ctx, "PaymentService.submit",
		attribute.String("payment_id", p.ID.String()), attribute.String("provider", string(p.Provider)))
	defer span.End()

	provider := string(p.Provider)
	req := providers.SubmitRequest{
		PaymentID:      p.ID,
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Description:    p.Description,
		PayerReference: p.PayerReference,
	}

	start := time.Now()
	result, err := retry.DoWithResult(ctx, retry.Config{
		MaxAttempts:  s.cfg.SubmitRetries + 1,
		InitialDelay: s.cfg.RetryDelay,
		MaxDelay:     4 * s.cfg.RetryDelay,
		RetryIf: func(err error) bool {
			// an in-flight reservation outlives this request
			return errors.Is(err, domainErrors.ErrProviderUnreachable) &&
				!errors.Is(err, domainErrors.ErrSubmissionInFlight)
		},
		OnRetry: func(attempt uint, err error) {
			s.metrics.SubmitRetries.WithLabelValues(provider).Inc()
			s.logger.Warn().Err(err).Str("payment_id", p.ID.String()).Str("provider", provider).
				Uint("attempt", attempt+1).Msg("retrying provider submission")
		},
	}, func() (*providers.SubmitResult, error) {
		attemptCtx, cancel := s.withSubmitTimeout(ctx)
		defer cancel()
		res, err := s.providers.Submit(attemptCtx, p.Provider, req)
		return res, classifySubmitError(err)
	})

	if err != nil {
		s.metrics.SubmitDuration.WithLabelValues(provider, "error").Observe(time.Since(start).Seconds())
		return s.recordSubmitFailure(ctx, p, err)
	}
	s.metrics.SubmitDuration.WithLabelValues(provider, "success").Observe(time.Since(start).Seconds())

	recorded, err := s.recordSubmission(ctx, p.ID, result)
	if err != nil {
		return nil, err
	}
	return s.replayOrphans(ctx, recorded), nil
}

func (s *PaymentService) withSubmitTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.SubmitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.SubmitTimeout)
}

// classifySubmitError makes an exceeded deadline count as an unreachable rail.
func classifySubmitError(err error) error {
	if err == nil || errors.Is(err, domainErrors.ErrProviderUnreachable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, domainErrors.ErrProviderUnreachable)
	}
	return err
}

func (s *PaymentService) recordSubmitFailure(ctx context.Context, p *payment.Payment, submitErr error) (*payment.Payment, error) {
	subErr := &domainErrors.SubmissionError{PaymentID: p.ID.String(), Provider: string(p.Provider), Err: submitErr}

	var stored *payment.Payment
	err := s.txManager.WithTransaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		locked, err := s.paymentRepo.LockByID(txCtx, p.ID)
		if err != nil {
			return err
		}
		stored = locked
		if locked.Status != payment.StatusPending {
			return nil
		}
		locked.RecordSubmitFailure(submitErr.Error())
		if err := s.paymentRepo.Update(txCtx, locked); err != nil {
			return err
		}
		return s.paymentRepo.AddEvent(txCtx, payment.NewEvent(locked, "payment.submit_failed", map[string]any{
			"error":     submitErr.Error(),
			"retriable": subErr.Retriable(),
		}))
	})
	if err != nil {
		s.logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("failed to record submission failure")
		return p, errors.Join(subErr, err)
	}

	s.metrics.PaymentsTotal.WithLabelValues(string(p.Provider), "submit_failed").Inc()
	s.logger.Warn().Err(submitErr).Str("payment_id", p.ID.String()).Str("provider", string(p.Provider)).
		Bool("retriable", subErr.Retriable()).Msg("payment submission failed, intent left pending")
	return stored, subErr
}

func (s *PaymentService) recordSubmission(ctx context.Context, id uuid.UUID, result *providers.SubmitResult) (*payment.Payment, error) {
	var recorded *payment.Payment
	late := false
	err := s.txManager.WithTransaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		late = false
		p, err := s.paymentRepo.LockByID(txCtx, id)
		if err != nil {
			return err
		}
		recorded = p

		if p.Status == payment.StatusExpired {
			late = true
			return s.recordLateSubmission(txCtx, p, result)
		}

		changed, err := p.Submit(result.ExternalReference)
		if err != nil {
			return err
		}
		if !changed && !result.Outcome.IsTerminal() {
			return nil
		}
		if changed {
			p.RecordSubmitAttempt()
		}

		terminal := false
		if result.Outcome.IsTerminal() {
			terminal, err = p.ApplyTerminal(result.Outcome, "submit:"+result.ExternalReference)
			if err != nil {
				return err
			}
		}
		if err := s.paymentRepo.Update(txCtx, p); err != nil {
			return err
		}
		if changed {
			if err := s.record(txCtx, p, outbox.EventPaymentSubmitted, map[string]any{
				"external_reference": result.ExternalReference,
				"deduplicated":       result.Deduplicated,
			}); err != nil {
				return err
			}
			s.metrics.PaymentTransitions.WithLabelValues(string(p.Provider), string(payment.StatusSubmitted)).Inc()
		}
		if terminal {
			if err := s.record(txCtx, p, terminalEvent(p.Status), map[string]any{"source": "submit"}); err != nil {
				return err
			}
			s.metrics.PaymentTransitions.WithLabelValues(string(p.Provider), string(p.Status)).Inc()
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("payment_id", id.String()).Str("external_reference", result.ExternalReference).
			Msg("provider accepted payment but the result could not be recorded")
		return nil, fmt.Errorf("record submission of payment %s: %w", id, err)
	}

	if late {
		s.metrics.PaymentsTotal.WithLabelValues(string(recorded.Provider), "submitted_after_expiry").Inc()
		return recorded, nil
	}
	s.metrics.PaymentsTotal.WithLabelValues(string(recorded.Provider), "submitted").Inc()
	s.logger.Info().Str("payment_id", id.String()).Str("provider", string(recorded.Provider)).
		Str("external_reference", result.ExternalReference).Str("status", string(recorded.Status)).
		Msg("payment submitted")
	return recorded, nil
}

// recordLateSubmission keeps the reference of a submission the rail accepted after the
// payment expired. A synchronous success reported with it is a terminal conflict.
func (s *PaymentService) recordLateSubmission(ctx context.Context, p *payment.Payment, result *providers.SubmitResult) error {
	changed, err := p.AttachLateReference(result.ExternalReference)
	if err != nil || !changed {
		return err
	}
	if err := s.paymentRepo.Update(ctx, p); err != nil {
		return err
	}
	if err := s.record(ctx, p, outbox.EventPaymentSubmittedLate, map[string]any{
		"external_reference": result.ExternalReference,
		"deduplicated":       result.Deduplicated,
	}); err != nil {
		return err
	}
	s.logger.Warn().Str("payment_id", p.ID.String()).Str("provider", string(p.Provider)).
		Str("external_reference", result.ExternalReference).
		Msg("provider accepted a payment that had already expired")

	if !result.Outcome.IsTerminal() {
		return nil
	}
	eventID := "submit:" + result.ExternalReference
	_, err = p.ApplyTerminal(result.Outcome, eventID)
	if errors.Is(err, domainErrors.ErrTerminalStateConflict) {
		return s.recordConflict(ctx, p, "submit", eventID, result.Outcome, err)
	}
	return err
}

// replayOrphans applies callbacks that arrived before the submission was recorded. An
// expired payment still takes them, so a late success shows up as a conflict.
func (s *PaymentService) replayOrphans(ctx context.Context, p *payment.Payment) *payment.Payment {
	if s.orphans == nil || p.ExternalReference == nil || (p.IsTerminal() && p.Status != payment.StatusExpired) {
		return p
	}
	provider := p.Provider
	n, err := s.orphans.ReplayOrphans(ctx, callback.OrphanFilter{Provider: &provider, ExternalReference: p.ExternalReference})
	if err != nil {
		s.logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("failed to replay orphaned callbacks")
		return p
	}
	if n == 0 {
		return p
	}
	latest, err := s.paymentRepo.GetByID(ctx, p.ID)
	if err != nil {
		return p
	}
	return latest
}

// GetStatus returns the current state of a payment. A submitted payment that has not
// heard from its rail for a while gets an out-of-band status poll; the read itself
// never changes the payment.
func (s *PaymentService) GetStatus(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	p, err := s.paymentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.polls != nil && p.IsStale(s.now(), s.cfg.PollStaleAfter) {
		if err := s.polls.RequestStatusPoll(ctx, p.ID, string(p.Provider)); err != nil {
			s.logger.Warn().Err(err).Str("payment_id", p.ID.String()).Msg("failed to request status poll")
		}
	}
	return p, nil
}

// RefreshStatus asks the rail for the status of a submitted payment and applies a
// terminal answer. Rails without a status endpoint only get last_polled_at updated.
func (s *PaymentService) RefreshStatus(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	p, err := s.paymentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusSubmitted || p.ExternalReference == nil {
		return p, nil
	}
	reference := *p.ExternalReference

	queryCtx, cancel := s.withSubmitTimeout(ctx)
	status, err := s.providers.QueryStatus(queryCtx, p.Provider, reference)
	cancel()
	if err != nil && !errors.Is(err, domainErrors.ErrStatusNotSupported) {
		return p, fmt.Errorf("query status of payment %s: %w", p.ID, classifySubmitError(err))
	}

	var conflict error
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		conflict = nil
		locked, err := s.paymentRepo.LockByID(txCtx, id)
		if err != nil {
			return err
		}
		p = locked
		p.MarkPolled(s.now())

		if status != nil && status.Outcome.IsTerminal() {
			changed, err := p.ApplyTerminal(status.Outcome, "poll:"+reference)
			switch {
			case errors.Is(err, domainErrors.ErrTerminalStateConflict):
				conflict = err
				if err := s.recordConflict(txCtx, p, "poll", "poll:"+reference, status.Outcome, err); err != nil {
					return err
				}
			case err != nil:
				return err
			case changed:
				if err := s.record(txCtx, p, terminalEvent(p.Status), map[string]any{
					"source": "poll",
					"reason": status.Reason,
				}); err != nil {
					return err
				}
				s.metrics.PaymentTransitions.WithLabelValues(string(p.Provider), string(p.Status)).Inc()
				s.logger.Info().Str("payment_id", p.ID.String()).Str("status", string(p.Status)).
					Msg("payment status refreshed from provider")
			}
		}
		return s.paymentRepo.Update(txCtx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("refresh payment %s: %w", id, err)
	}
	return p, conflict
}

// ListStale returns submitted payments that have gone PollStaleAfter without news.
func (s *PaymentService) ListStale(ctx context.Context, limit int) ([]*payment.Payment, error) {
	submitted, err := s.paymentRepo.List(ctx, payment.ListFilter{
		Statuses:  []payment.PaymentStatus{payment.StatusSubmitted},
		Limit:     limit,
		SortBy:    "updated_at",
		SortOrder: "asc",
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	stale := submitted[:0]
	for _, p := range submitted {
		if p.IsStale(now, s.cfg.PollStaleAfter) {
			stale = append(stale, p)
		}
	}
	return stale, nil
}

// ExpireStale expires pending and submitted payments created more than ExpiryTimeout
// before now. Each payment is expired under its own row lock.
func (s *PaymentService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.ExpiryTimeout)
	candidates, err := s.paymentRepo.List(ctx, payment.ListFilter{
		Statuses:      []payment.PaymentStatus{payment.StatusPending, payment.StatusSubmitted},
		CreatedBefore: &cutoff,
		Limit:         expiryBatchSize,
		SortBy:        "created_at",
		SortOrder:     "asc",
	})
	if err != nil {
		return 0, fmt.Errorf("list expirable payments: %w", err)
	}

	expired := 0
	var errs []error
	for _, c := range candidates {
		ok, err := s.expireOne(ctx, c.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *PaymentService) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var p *payment.Payment
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		locked, err := s.paymentRepo.LockByID(txCtx, id)
		if err != nil {
			return err
		}
		if locked.IsTerminal() {
			return nil
		}
		if err := locked.Expire(now, s.cfg.ExpiryTimeout); err != nil {
			return err
		}
		p = locked
		if err := s.paymentRepo.Update(txCtx, p); err != nil {
			return err
		}
		return s.record(txCtx, p, outbox.EventPaymentExpired, nil)
	})
	if err != nil {
		return false, fmt.Errorf("expire payment %s: %w", id, err)
	}
	if p == nil {
		return false, nil
	}
	s.metrics.PaymentTransitions.WithLabelValues(string(p.Provider), string(payment.StatusExpired)).Inc()
	s.logger.Info().Str("payment_id", id.String()).Str("provider", string(p.Provider)).Msg("payment expired")
	return true, nil
}

// ListPayments lists payments with filters.
func (s *PaymentService) ListPayments(ctx context.Context, filter payment.ListFilter) ([]*payment.Payment, error) {
	return s.paymentRepo.List(ctx, filter)
}

// GetEvents returns the audit trail of a payment.
func (s *PaymentService) GetEvents(ctx context.Context, id uuid.UUID) ([]*payment.PaymentEvent, error) {
	if _, err := s.paymentRepo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.paymentRepo.GetEvents(ctx, id)
}

// record writes the audit event and the outbox entry announcing a change to p.
func (s *PaymentService) record(ctx context.Context, p *payment.Payment, eventType string, data map[string]any) error {
	return recordPaymentEvent(ctx, s.paymentRepo, s.outboxRepo, p, eventType, data)
}

func (s *PaymentService) recordConflict(ctx context.Context, p *payment.Payment, source, eventID string, outcome payment.Outcome, cause error) error {
	s.metrics.TerminalConflicts.WithLabelValues(string(p.Provider), source).Inc()
	s.logger.Error().Err(cause).Str("payment_id", p.ID.String()).Str("provider", string(p.Provider)).
		Str("provider_event_id", eventID).Str("status", string(p.Status)).Str("reported_outcome", string(outcome)).
		Msg("TERMINAL STATE CONFLICT: provider contradicts ledger, manual reconciliation required")
	return recordPaymentEvent(ctx, s.paymentRepo, s.outboxRepo, p, outbox.EventPaymentTerminalConflict, map[string]any{
		"source":            source,
		"provider_event_id": eventID,
		"reported_outcome":  string(outcome),
	})
}

func recordPaymentEvent(ctx context.Context, payments payment.Repository, outboxRepo outbox.Repository,
	p *payment.Payment, eventType string, data map[string]any) error {
	if err := payments.AddEvent(ctx, payment.NewEvent(p, eventType, data)); err != nil {
		return err
	}
	return outboxRepo.Insert(ctx, outbox.NewEntry(outbox.AggregatePayment, p.ID, eventType, paymentPayload(p, data)))
}

func paymentPayload(p *payment.Payment, data map[string]any) map[string]any {
	payload := map[string]any{
		"payment_id":      p.ID.String(),
		"idempotency_key": p.IdempotencyKey,
		"provider":        string(p.Provider),
		"amount_cents":    p.Amount.ValueCents,
		"currency":        p.Amount.Currency,
		"status":          string(p.Status),
	}
	if p.ExternalReference != nil {
		payload["external_reference"] = *p.ExternalReference
	}
	for k, v := range data {
		payload[k] = v
	}
	return payload
}

func terminalEvent(status payment.PaymentStatus) string {
	switch status {
	case payment.StatusSucceeded:
		return outbox.EventPaymentSucceeded
	case payment.StatusFailed:
		return outbox.EventPaymentFailed
	default:
		return outbox.EventPaymentExpired
	}
}
