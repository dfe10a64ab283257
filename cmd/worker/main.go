package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sila/payments/internal/bootstrap"
	infraRedis "github.com/sila/payments/internal/infrastructure/redis"
	"github.com/sila/payments/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, "payments-worker", "payments_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	workerCfg := app.Config.Worker
	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.StatusPollStream,
		workerCfg.ConsumerGroup,
		app.Config.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)

	w := worker.New(worker.Deps{
		Payments:    app.PaymentService,
		TxManager:   app.TxManager,
		Outbox:      app.Outbox,
		Publisher:   app.Streams,
		Locker:      infraRedis.NewLocker(app.Redis, app.Config.Payment.LockTTL),
		Polls:       consumer,
		Idempotency: app.Idempotency,
		Config:      workerCfg,
		Metrics:     app.Metrics,
		Logger:      app.Logger,
	})

	app.Logger.Info().
		Str("stream", infraRedis.StatusPollStream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Msg("Worker started")

	if err := w.Run(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}
