package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/sila/payments/internal/infrastructure/observability"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the per-rail circuit breakers.
type BreakerSettings struct {
	Threshold uint32
	Timeout   time.Duration
}

// Registry resolves rails by name and routes outbound calls through one breaker per rail.
type Registry struct {
	adapters map[payment.Provider]Adapter
	breakers map[payment.Provider]*gobreaker.CircuitBreaker[any]
	settings BreakerSettings
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRegistry(settings BreakerSettings, metrics *observability.Metrics, logger zerolog.Logger) *Registry {
	if settings.Threshold == 0 {
		settings.Threshold = 10
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	return &Registry{
		adapters: make(map[payment.Provider]Adapter),
		breakers: make(map[payment.Provider]*gobreaker.CircuitBreaker[any]),
		settings: settings,
		metrics:  metrics,
		logger:   logger,
	}
}

func (r *Registry) Register(a Adapter) {
	name := a.Name()
	r.adapters[name] = a
	r.breakers[name] = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     r.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.Threshold
		},
		// A rail that answers with a rejection is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domainErrors.ErrProviderUnreachable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).
				Msg("provider circuit breaker changed state")
			if r.metrics != nil {
				r.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
}

// Get returns the adapter for provider, or ErrUnknownProvider.
func (r *Registry) Get(provider payment.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, domainErrors.ErrUnknownProvider)
	}
	return a, nil
}

// Providers lists the registered rails in a stable order.
func (r *Registry) Providers() []payment.Provider {
	out := make([]payment.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Submit dispatches req to provider through its circuit breaker.
func (r *Registry) Submit(ctx context.Context, provider payment.Provider, req SubmitRequest) (*SubmitResult, error) {
	a, err := r.Get(provider)
	if err != nil {
		return nil, err
	}
	res, err := r.execute(provider, func() (any, error) {
		return a.Submit(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*SubmitResult), nil
}

// QueryStatus asks provider for the status of reference. Rails without a status
// endpoint return ErrStatusNotSupported.
func (r *Registry) QueryStatus(ctx context.Context, provider payment.Provider, reference string) (*StatusResult, error) {
	a, err := r.Get(provider)
	if err != nil {
		return nil, err
	}
	q, ok := a.(StatusQuerier)
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, domainErrors.ErrStatusNotSupported)
	}
	res, err := r.execute(provider, func() (any, error) {
		return q.QueryStatus(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	return res.(*StatusResult), nil
}

func (r *Registry) execute(provider payment.Provider, fn func() (any, error)) (any, error) {
	res, err := r.breakers[provider].Execute(fn)
	r.countBreaker(provider, err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("provider %q: %v: %w", provider, err, domainErrors.ErrProviderUnreachable)
	}
	return res, err
}

func (r *Registry) countBreaker(provider payment.Provider, err error) {
	if r.metrics == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "short_circuited"
	case err != nil:
		result = "failure"
	}
	r.metrics.CircuitBreakerRequests.WithLabelValues(string(provider), result).Inc()
}

// Build registers one adapter per enabled rail in cfg. Rails marked sandbox get a Sandbox adapter.
func Build(cfg *config.Config, guard SubmissionGuard, metrics *observability.Metrics, logger zerolog.Logger) *Registry {
	reg := NewRegistry(BreakerSettings{
		Threshold: cfg.Payment.CircuitBreakerThreshold,
		Timeout:   cfg.Payment.CircuitBreakerTimeout,
	}, metrics, logger)

	rails := []struct {
		provider payment.Provider
		cfg      config.ProviderConfig
		build    func(Options) Adapter
	}{
		{payment.ProviderBNA, cfg.Providers.BNA, func(o Options) Adapter { return NewBNA(o) }},
		{payment.ProviderUnitelMoney, cfg.Providers.UnitelMoney, func(o Options) Adapter { return NewUnitelMoney(o) }},
		{payment.ProviderMPesa, cfg.Providers.MPesa, func(o Options) Adapter { return NewMPesa(o) }},
	}

	for _, rail := range rails {
		if !rail.cfg.Enabled {
			continue
		}
		if rail.cfg.Sandbox {
			reg.Register(NewSandbox(rail.provider, rail.cfg.WebhookSecret, WithCurrencies(rail.cfg.Currencies...)))
			logger.Info().Str("provider", string(rail.provider)).Msg("registered sandbox provider")
			continue
		}
		reg.Register(rail.build(Options{
			Config:  rail.cfg,
			Guard:   guard,
			Metrics: metrics,
			Timeout: cfg.Payment.SubmitTimeout,
			Logger:  observability.ForProvider(logger, string(rail.provider)),
		}))
		logger.Info().Str("provider", string(rail.provider)).Str("base_url", rail.cfg.BaseURL).Msg("registered provider")
	}

	return reg
}
