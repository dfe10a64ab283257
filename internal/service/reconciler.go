package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sila/payments/internal/domain/callback"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/outbox"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
)

const orphanReplayBatch = 100

// storedHeaders are the request headers kept with a callback for later audits.
var storedHeaders = []string{
	"Content-Type",
	"User-Agent",
	"X-Request-Id",
	"X-Forwarded-For",
	"X-Bna-Signature",
	"X-Unitel-Signature",
	"X-Unitel-Timestamp",
	"X-Sandbox-Signature",
}

// ReconcilerDeps are the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Payments  payment.Repository
	Callbacks callback.Repository
	Outbox    outbox.Repository
	TxManager TransactionManager
	Providers ProviderRegistry
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Reconciler applies provider webhooks to the ledger. Each provider event takes effect
// at most once however often it is delivered.
type Reconciler struct {
	paymentRepo  payment.Repository
	callbackRepo callback.Repository
	outboxRepo   outbox.Repository
	txManager    TransactionManager
	providers    ProviderRegistry
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewReconciler(deps ReconcilerDeps) *Reconciler {
	return &Reconciler{
		paymentRepo:  deps.Payments,
		callbackRepo: deps.Callbacks,
		outboxRepo:   deps.Outbox,
		txManager:    deps.TxManager,
		providers:    deps.Providers,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// Handle verifies, records and applies one webhook delivery.
//
// Orphaned and conflicting callbacks are results, not errors: they are recorded for manual
// reconciliation and the provider gets an acknowledgement. Errors are returned for unknown
// providers, failed verification, unreadable payloads and storage failures.
func (r *Reconciler) Handle(ctx context.Context, providerName string, payload []byte, headers http.Header) (*CallbackResult, error) {
	ctx, span := observability.StartSpan(ctx, "Reconciler.Handle", attribute.String("provider", providerName))
	defer span.End()

	// 1. Resolve the rail
	provider, err := payment.ParseProvider(providerName)
	if err != nil {
		return nil, err
	}
	adapter, err := r.providers.Get(provider)
	if err != nil {
		return nil, err
	}
	log := observability.WithTrace(ctx, observability.ForProvider(r.logger, string(provider)))
	cb := callback.NewCallback(provider, payload, selectHeaders(headers))

	// 2. Untrusted payloads are stored and never applied
	if !adapter.VerifyCallback(payload, headers) {
		cb.Reject("invalid signature")
		r.storeRejected(ctx, cb)
		r.metrics.CallbacksTotal.WithLabelValues(string(provider), "rejected").Inc()
		log.Warn().Str("callback_id", cb.ID.String()).Msg("callback failed verification")
		return nil, fmt.Errorf("%s callback %s: %w", provider, cb.ID, domainErrors.ErrInvalidSignature)
	}

	// 3. The dedup key lives inside the payload
	event, err := adapter.ParseCallback(payload)
	if err != nil {
		cb.Verified = true
		cb.Reject(err.Error())
		r.storeRejected(ctx, cb)
		r.metrics.CallbacksTotal.WithLabelValues(string(provider), "malformed").Inc()
		log.Warn().Err(err).Str("callback_id", cb.ID.String()).Msg("callback payload could not be parsed")
		return nil, err
	}
	cb.Identify(event.ProviderEventID, event.ExternalReference, event.Outcome)

	// 4. Claim the event and apply it in one transaction
	var result *CallbackResult
	err = r.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		stored, inserted, err := r.callbackRepo.Claim(txCtx, cb)
		if err != nil {
			return err
		}
		if !inserted && stored.Status.IsFinal() {
			result = resultOf(stored, true)
			return nil
		}
		result, err = r.apply(txCtx, stored)
		return err
	})
	if err != nil {
		r.metrics.CallbacksTotal.WithLabelValues(string(provider), "error").Inc()
		return nil, fmt.Errorf("reconcile %s event %s: %w", provider, event.ProviderEventID, err)
	}

	label := string(result.Status)
	if result.Duplicate {
		label = "duplicate"
	}
	r.metrics.CallbacksTotal.WithLabelValues(string(provider), label).Inc()
	log.Info().Str("provider_event_id", event.ProviderEventID).Str("external_reference", event.ExternalReference).
		Str("outcome", string(event.Outcome)).Str("result", label).Msg("callback handled")
	return result, nil
}

// apply matches a claimed callback to its payment and applies the reported outcome.
// It must run inside a transaction.
func (r *Reconciler) apply(ctx context.Context, cb *callback.Callback) (*CallbackResult, error) {
	if cb.ExternalReference == nil || cb.Outcome == nil || cb.ProviderEventID == nil {
		return nil, fmt.Errorf("callback %s was stored without its parsed fields: %w", cb.ID, domainErrors.ErrMalformedCallback)
	}
	eventID := *cb.ProviderEventID

	p, err := r.paymentRepo.LockByExternalReference(ctx, cb.Provider, *cb.ExternalReference)
	if errors.Is(err, domainErrors.ErrPaymentNotFound) {
		return r.orphan(ctx, cb)
	}
	if err != nil {
		return nil, err
	}

	changed, err := p.ApplyTerminal(*cb.Outcome, eventID)
	if errors.Is(err, domainErrors.ErrTerminalStateConflict) {
		cb.MarkConflict(p.ID, err.Error())
		if err := r.callbackRepo.Update(ctx, cb); err != nil {
			return nil, err
		}
		r.metrics.TerminalConflicts.WithLabelValues(string(p.Provider), "callback").Inc()
		r.logger.Error().Err(err).Str("payment_id", p.ID.String()).Str("provider", string(p.Provider)).
			Str("provider_event_id", eventID).Str("status", string(p.Status)).Str("reported_outcome", string(*cb.Outcome)).
			Msg("TERMINAL STATE CONFLICT: provider contradicts ledger, manual reconciliation required")
		if err := recordPaymentEvent(ctx, r.paymentRepo, r.outboxRepo, p, outbox.EventPaymentTerminalConflict, map[string]any{
			"source":            "callback",
			"callback_id":       cb.ID.String(),
			"provider_event_id": eventID,
			"reported_outcome":  string(*cb.Outcome),
		}); err != nil {
			return nil, err
		}
		return resultFor(cb, p), nil
	}
	if err != nil {
		return nil, err
	}

	if changed {
		if err := r.paymentRepo.Update(ctx, p); err != nil {
			return nil, err
		}
		if err := recordPaymentEvent(ctx, r.paymentRepo, r.outboxRepo, p, terminalEvent(p.Status), map[string]any{
			"source":            "callback",
			"callback_id":       cb.ID.String(),
			"provider_event_id": eventID,
		}); err != nil {
			return nil, err
		}
		r.metrics.PaymentTransitions.WithLabelValues(string(p.Provider), string(p.Status)).Inc()
	}

	cb.MarkProcessed(p.ID, changed)
	if err := r.callbackRepo.Update(ctx, cb); err != nil {
		return nil, err
	}
	return resultFor(cb, p), nil
}

func (r *Reconciler) orphan(ctx context.Context, cb *callback.Callback) (*CallbackResult, error) {
	cb.MarkOrphaned()
	if err := r.callbackRepo.Update(ctx, cb); err != nil {
		return nil, err
	}
	entry := outbox.NewEntry(outbox.AggregateCallback, cb.ID, outbox.EventCallbackOrphaned, map[string]any{
		"callback_id":        cb.ID.String(),
		"provider":           string(cb.Provider),
		"provider_event_id":  *cb.ProviderEventID,
		"external_reference": *cb.ExternalReference,
		"outcome":            string(*cb.Outcome),
	})
	if err := r.outboxRepo.Insert(ctx, entry); err != nil {
		return nil, err
	}
	r.logger.Warn().Str("callback_id", cb.ID.String()).Str("provider", string(cb.Provider)).
		Str("provider_event_id", *cb.ProviderEventID).Str("external_reference", *cb.ExternalReference).
		Msg("orphan callback: no payment with this external reference")
	return resultOf(cb, false), nil
}

// ReplayOrphans re-applies orphaned callbacks matching filter. It returns how many
// found their payment.
func (r *Reconciler) ReplayOrphans(ctx context.Context, filter callback.OrphanFilter) (int, error) {
	if filter.Limit <= 0 {
		filter.Limit = orphanReplayBatch
	}

	matched := 0
	err := r.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		matched = 0
		orphans, err := r.callbackRepo.ListOrphans(txCtx, filter)
		if err != nil {
			return err
		}
		for _, cb := range orphans {
			res, err := r.apply(txCtx, cb)
			if err != nil {
				return fmt.Errorf("replay callback %s: %w", cb.ID, err)
			}
			if res.Status != callback.StatusOrphaned {
				matched++
				r.metrics.OrphansReplayed.WithLabelValues(string(cb.Provider)).Inc()
				r.logger.Info().Str("callback_id", cb.ID.String()).Str("provider_event_id", res.EventID).
					Str("result", string(res.Status)).Msg("orphaned callback matched its payment")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}

// ListOrphans returns orphaned callbacks without changing them.
func (r *Reconciler) ListOrphans(ctx context.Context, filter callback.OrphanFilter) ([]*callback.Callback, error) {
	return r.callbackRepo.ListOrphans(ctx, filter)
}

func (r *Reconciler) storeRejected(ctx context.Context, cb *callback.Callback) {
	if err := r.callbackRepo.Insert(ctx, cb); err != nil {
		r.logger.Error().Err(err).Str("callback_id", cb.ID.String()).Msg("failed to store rejected callback")
	}
}

func selectHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range storedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func resultOf(cb *callback.Callback, duplicate bool) *CallbackResult {
	res := &CallbackResult{
		CallbackID: cb.ID,
		Provider:   cb.Provider,
		Status:     cb.Status,
		PaymentID:  cb.PaymentID,
		Duplicate:  duplicate,
	}
	if cb.ProviderEventID != nil {
		res.EventID = *cb.ProviderEventID
	}
	return res
}

func resultFor(cb *callback.Callback, p *payment.Payment) *CallbackResult {
	res := resultOf(cb, false)
	res.PaymentStatus = p.Status
	return res
}

// String renders a result for logs and CLI output.
func (c *CallbackResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", c.Provider, c.EventID, c.Status)
	if c.PaymentID != nil {
		fmt.Fprintf(&b, " (payment %s %s)", c.PaymentID, c.PaymentStatus)
	}
	if c.Duplicate {
		b.WriteString(" [duplicate]")
	}
	return b.String()
}
