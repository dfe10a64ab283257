package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/outbox"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/sila/payments/internal/infrastructure/observability"
	infraRedis "github.com/sila/payments/internal/infrastructure/redis"
	"golang.org/x/sync/errgroup"
)

// Job names used as the "stream" label of the worker metrics.
const (
	jobExpirySweep      = "expiry_sweep"
	jobStalePoll        = "stale_poll"
	jobOutbox           = "outbox"
	jobIdempotencySweep = "idempotency_sweep"
)

const (
	readErrorBackoff = time.Second
	claimIdleTime    = time.Minute
)

// PaymentService is the part of service.PaymentService the worker drives.
type PaymentService interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	ListStale(ctx context.Context, limit int) ([]*payment.Payment, error)
	RefreshStatus(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serializes pollers of one payment across worker instances.
type Locker interface {
	TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error)
}

type PollConsumer interface {
	CreateGroup(ctx context.Context) error
	Read(ctx context.Context) ([]redis.XMessage, error)
	Ack(ctx context.Context, messageID string) error
	ClaimStale(ctx context.Context, minIdleTime time.Duration) ([]redis.XMessage, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, entry *outbox.Entry) error
}

type IdempotencyCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

type Deps struct {
	Payments    PaymentService
	TxManager   TransactionManager
	Outbox      outbox.Repository
	Publisher   EventPublisher
	Locker      Locker
	Polls       PollConsumer
	Idempotency IdempotencyCleaner
	Config      config.WorkerConfig
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Worker runs the background loops of the payment service: expiring abandoned intents,
// polling rails for stale submissions, draining the outbox and pruning idempotency keys.
type Worker struct {
	payments    PaymentService
	txManager   TransactionManager
	outboxRepo  outbox.Repository
	publisher   EventPublisher
	locker      Locker
	polls       PollConsumer
	idempotency IdempotencyCleaner
	cfg         config.WorkerConfig
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func New(deps Deps) *Worker {
	return &Worker{
		payments:    deps.Payments,
		txManager:   deps.TxManager,
		outboxRepo:  deps.Outbox,
		publisher:   deps.Publisher,
		locker:      deps.Locker,
		polls:       deps.Polls,
		idempotency: deps.Idempotency,
		cfg:         deps.Config,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With().Str("component", "worker").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run starts every loop and blocks until ctx is cancelled or a loop fails.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.polls.CreateGroup(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.every(gCtx, w.cfg.ExpirySweepInterval, func(ctx context.Context) {
			w.SweepExpired(ctx)
		})
	})
	g.Go(func() error {
		return w.every(gCtx, w.cfg.StatusPollInterval, func(ctx context.Context) {
			w.PollStale(ctx)
		})
	})
	g.Go(func() error {
		return w.every(gCtx, w.cfg.OutboxPollInterval, func(ctx context.Context) {
			if _, err := w.PublishOutbox(ctx); err != nil {
				w.logger.Error().Err(err).Msg("outbox publisher error")
			}
		})
	})
	g.Go(func() error {
		return w.every(gCtx, w.cfg.IdempotencySweepTime, func(ctx context.Context) {
			w.SweepIdempotencyKeys(ctx)
		})
	})
	g.Go(func() error {
		return w.consumePolls(gCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		fn(ctx)
	}
}

// SweepExpired expires pending and submitted intents past their deadline.
func (w *Worker) SweepExpired(ctx context.Context) int {
	start := time.Now()
	n, err := w.payments.ExpireStale(ctx, w.now())
	w.observe(jobExpirySweep, start, err)
	if err != nil {
		w.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
	} else if n > 0 {
		w.logger.Info().Int("expired", n).Msg("expired abandoned payments")
	}
	return n
}

// PollStale refreshes submitted payments that have not heard from their rail recently.
func (w *Worker) PollStale(ctx context.Context) {
	stale, err := w.payments.ListStale(ctx, int(w.cfg.BatchSize))
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list stale payments")
		return
	}
	for _, p := range stale {
		w.refresh(ctx, jobStalePoll, p.ID)
	}
}

// HandlePollRequest refreshes the payment named by a status-poll stream message.
func (w *Worker) HandlePollRequest(ctx context.Context, msg redis.XMessage) {
	req, err := infraRedis.ParsePollRequest(msg)
	if err != nil {
		w.logger.Error().Err(err).Msg("dropping malformed poll request")
		w.metrics.WorkerMessagesProcessed.WithLabelValues(infraRedis.StatusPollStream, "invalid").Inc()
	} else {
		w.refresh(ctx, infraRedis.StatusPollStream, req.PaymentID)
	}
	if err := w.polls.Ack(ctx, msg.ID); err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to ack poll request")
	}
}

// refresh polls one payment under its distributed lock. A held lock means another worker
// is already polling it.
func (w *Worker) refresh(ctx context.Context, job string, id uuid.UUID) {
	log := w.logger.With().Str("payment_id", id.String()).Str("job", job).Logger()
	start := time.Now()

	ran, err := w.locker.TryWithLock(ctx, infraRedis.PaymentLockKey(id), func(ctx context.Context) error {
		_, err := w.payments.RefreshStatus(ctx, id)
		return err
	})

	switch {
	case err == nil && !ran:
		log.Debug().Msg("payment is locked by another worker, skipping")
		w.metrics.WorkerMessagesProcessed.WithLabelValues(job, "skipped").Inc()
		return
	case errors.Is(err, domainErrors.ErrTerminalStateConflict):
		log.Warn().Err(err).Msg("rail reported an outcome contradicting the ledger")
	case errors.Is(err, domainErrors.ErrPaymentNotFound):
		log.Warn().Msg("poll requested for an unknown payment")
	case err != nil:
		log.Error().Err(err).Msg("status refresh failed")
	}
	w.observe(job, start, err)
}

func (w *Worker) consumePolls(ctx context.Context) error {
	w.reclaim(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := w.polls.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("failed to read poll requests")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		for _, msg := range messages {
			w.HandlePollRequest(ctx, msg)
		}
	}
}

// reclaim takes over poll requests left unacknowledged by a worker that died.
func (w *Worker) reclaim(ctx context.Context) {
	messages, err := w.polls.ClaimStale(ctx, claimIdleTime)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to claim pending poll requests")
		return
	}
	for _, msg := range messages {
		w.HandlePollRequest(ctx, msg)
	}
}

// PublishOutbox forwards one batch of pending outbox entries to the events stream. Entries
// stay locked by the surrounding transaction so concurrent workers skip them.
func (w *Worker) PublishOutbox(ctx context.Context) (int, error) {
	start := time.Now()
	published := 0
	err := w.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := w.outboxRepo.GetPending(txCtx, int(w.cfg.BatchSize))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := w.publisher.Publish(ctx, entry); err != nil {
				w.logger.Error().Err(err).Str("outbox_id", entry.ID.String()).
					Str("event_type", entry.EventType).Msg("failed to publish outbox event")
				if err := w.outboxRepo.MarkFailed(txCtx, entry.ID, err.Error()); err != nil {
					return err
				}
				continue
			}
			if err := w.outboxRepo.MarkPublished(txCtx, entry.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if published > 0 || err != nil {
		w.observe(jobOutbox, start, err)
	}
	return published, err
}

// SweepIdempotencyKeys deletes expired request-hash bindings.
func (w *Worker) SweepIdempotencyKeys(ctx context.Context) {
	start := time.Now()
	n, err := w.idempotency.Cleanup(ctx)
	w.observe(jobIdempotencySweep, start, err)
	if err != nil {
		w.logger.Error().Err(err).Msg("idempotency key cleanup failed")
		return
	}
	if n > 0 {
		w.logger.Info().Int64("deleted", n).Msg("expired idempotency keys removed")
	}
}

func (w *Worker) observe(job string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	w.metrics.WorkerMessagesProcessed.WithLabelValues(job, status).Inc()
	w.metrics.WorkerProcessingDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
