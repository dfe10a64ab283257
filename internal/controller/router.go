package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/sila/payments/internal/infrastructure/observability"
	customMW "github.com/sila/payments/internal/middleware"
	"github.com/sila/payments/internal/service"
)

type RouterDeps struct {
	PaymentService   *service.PaymentService
	Reconciler       *service.Reconciler
	IdempotencyStore customMW.IdempotencyStore
	HealthChecks     map[string]HealthCheck
	Metrics          *observability.Metrics
	MetricsHandler   http.Handler
	Server           config.ServerConfig
	Auth             config.AuthConfig
	IdempotencyTTL   time.Duration
	Logger           zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotent-Replayed"},
		AllowCredentials: deps.Server.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.HealthChecks)
	paymentH := NewPaymentController(deps.PaymentService)
	webhookH := NewWebhookController(deps.Reconciler)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1/payments", func(r chi.Router) {
		// Rails authenticate with signatures, not JWTs.
		r.With(customMW.WebhookRateLimit(deps.Server.WebhookRequestsPerMinute)).
			Post("/webhooks/{provider}", webhookH.Receive)

		r.Group(func(r chi.Router) {
			r.Use(customMW.RateLimit(deps.Server.RequestsPerMinute))
			r.Use(customMW.RequireAuth(deps.Auth.JWTSecret))

			r.With(customMW.RequireScope(customMW.ScopePaymentsWrite),
				customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL, deps.Logger)).
				Post("/", paymentH.CreatePayment)
			r.With(customMW.RequireScope(customMW.ScopePaymentsWrite)).
				Post("/{id}/resubmit", paymentH.Resubmit)

			r.With(customMW.RequireScope(customMW.ScopePaymentsRead)).Get("/", paymentH.ListPayments)
			r.With(customMW.RequireScope(customMW.ScopePaymentsRead)).Get("/{id}", paymentH.GetPayment)
			r.With(customMW.RequireScope(customMW.ScopePaymentsRead)).Get("/{id}/events", paymentH.GetEvents)
		})
	})

	return r
}
