package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sila/payments/internal/domain/outbox"
)

const (
	// StatusPollStream carries requests to refresh a stale submitted payment from its provider.
	StatusPollStream = "payments:status_poll"
	// EventsStream carries payment lifecycle events for the rest of SILA.
	EventsStream = "payments:events"
)

// Streams are trimmed to roughly this many entries on every append.
const streamMaxLen = 100_000

type StreamProducer struct {
	client redis.Cmdable
}

func NewStreamProducer(client redis.Cmdable) *StreamProducer {
	return &StreamProducer{client: client}
}

// RequestStatusPoll asks a worker to query the provider for paymentID.
func (p *StreamProducer) RequestStatusPoll(ctx context.Context, paymentID uuid.UUID, provider string) error {
	args := &redis.XAddArgs{
		Stream: StatusPollStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"payment_id": paymentID.String(),
			"provider":   provider,
			"timestamp":  time.Now().Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish poll request: %w", err)
	}
	return nil
}

// Publish forwards an outbox entry to the events stream.
func (p *StreamProducer) Publish(ctx context.Context, entry *outbox.Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: EventsStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":       entry.ID.String(),
			"aggregate_type": entry.AggregateType,
			"aggregate_id":   entry.AggregateID.String(),
			"event_type":     entry.EventType,
			"payload":        string(payload),
			"timestamp":      entry.CreatedAt.Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}
	return nil
}

// PollRequest is a decoded entry of StatusPollStream.
type PollRequest struct {
	MessageID string
	PaymentID uuid.UUID
	Provider  string
}

// ParsePollRequest decodes a stream message produced by RequestStatusPoll.
func ParsePollRequest(msg redis.XMessage) (PollRequest, error) {
	raw, _ := msg.Values["payment_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return PollRequest{}, fmt.Errorf("message %s: invalid payment_id %q: %w", msg.ID, raw, err)
	}
	provider, _ := msg.Values["provider"].(string)
	return PollRequest{MessageID: msg.ID, PaymentID: id, Provider: provider}, nil
}

type StreamConsumer struct {
	client        redis.Cmdable
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client redis.Cmdable,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No new messages
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	err := c.client.XAck(ctx, c.stream, c.group, messageID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// ClaimStale takes over messages another consumer read but never acknowledged.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdleTime time.Duration) ([]redis.XMessage, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdleTime,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()

	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	return messages, nil
}
