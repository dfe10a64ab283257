package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sila/payments/internal/bootstrap"
	"github.com/sila/payments/internal/controller"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "payments-api", "payments")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	deps := controller.RouterDeps{
		PaymentService:   app.PaymentService,
		Reconciler:       app.Reconciler,
		IdempotencyStore: app.Idempotency,
		HealthChecks: map[string]controller.HealthCheck{
			"postgres": app.Pool.Ping,
			"redis":    func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() },
		},
		Metrics:        app.Metrics,
		Server:         app.Config.Server,
		Auth:           app.Config.Auth,
		IdempotencyTTL: app.Config.Worker.IdempotencyTTL,
		Logger:         app.Logger,
	}
	if app.Config.Observability.EnableMetrics {
		deps.MetricsHandler = promhttp.Handler()
	}
	router := controller.NewRouter(deps)

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Strs("providers", providerNames(app)).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}

func providerNames(app *bootstrap.App) []string {
	var names []string
	for _, p := range app.Providers.Providers() {
		names = append(names, string(p))
	}
	return names
}
