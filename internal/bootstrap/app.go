package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/sila/payments/internal/infrastructure/observability"
	infraRedis "github.com/sila/payments/internal/infrastructure/redis"
	"github.com/sila/payments/internal/providers"
	"github.com/sila/payments/internal/repository/postgres"
	"github.com/sila/payments/internal/service"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	TxManager   *postgres.TxManager
	Payments    *postgres.PaymentRepository
	Callbacks   *postgres.CallbackRepository
	Outbox      *postgres.OutboxRepository
	Idempotency *postgres.IdempotencyRepository
	Streams     *infraRedis.StreamProducer
	Providers   *providers.Registry

	Reconciler     *service.Reconciler
	PaymentService *service.PaymentService
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout).
		With().Str("service", serviceName).Logger()
	logger.Info().Str("instance_id", cfg.InstanceID).Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Pool:        pool,
		Redis:       redisClient,
		Metrics:     metrics,
		TxManager:   postgres.NewTxManager(pool),
		Payments:    postgres.NewPaymentRepository(pool),
		Callbacks:   postgres.NewCallbackRepository(pool),
		Outbox:      postgres.NewOutboxRepository(pool),
		Idempotency: postgres.NewIdempotencyRepository(pool),
		Streams:     infraRedis.NewStreamProducer(redisClient),
	}

	guard := infraRedis.NewSubmissionGuard(redisClient, cfg.Payment.SubmissionGuardTTL)
	app.Providers = providers.Build(cfg, guard, metrics, logger)
	if len(app.Providers.Providers()) == 0 {
		logger.Warn().Msg("No payment rail is enabled")
	}

	app.Reconciler = service.NewReconciler(service.ReconcilerDeps{
		Payments:  app.Payments,
		Callbacks: app.Callbacks,
		Outbox:    app.Outbox,
		TxManager: app.TxManager,
		Providers: app.Providers,
		Metrics:   metrics,
		Logger:    logger,
	})
	app.PaymentService = service.NewPaymentService(service.PaymentServiceDeps{
		Payments:  app.Payments,
		Outbox:    app.Outbox,
		TxManager: app.TxManager,
		Providers: app.Providers,
		Polls:     app.Streams,
		Orphans:   app.Reconciler,
		Config:    cfg.Payment,
		Metrics:   metrics,
		Logger:    logger,
	})

	return app, nil
}

func (a *App) Close() {
	a.Redis.Close()
	a.Pool.Close()
}
