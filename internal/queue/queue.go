// Package queue provides the durable job queue on Redis Streams.
//
// Delivery is at-least-once: messages are claimed through a consumer group
// and stay pending until acknowledged. A message whose consumer crashed (or
// never acked) becomes eligible for redelivery once it has been idle past
// the visibility timeout, via XAUTOCLAIM. Messages that exceed the maximum
// delivery count are moved to a dead letter stream and acknowledged. If the
// job a dead-lettered message carried is still unsettled, the reconciliation
// sweep fails and refunds it, so compensation continues past the delivery
// limit.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message is a job delivery read from the stream.
type Message struct {
	// ID is the stream message id used for ack.
	ID string

	JobID  string
	UserID string

	// Payload is the raw generation payload JSON enqueued at admission.
	Payload json.RawMessage

	// Deliveries is how many times this message has been delivered.
	Deliveries int64
}

// Config holds configuration for the queue client.
type Config struct {
	URL      string
	Password string

	// Stream is the Redis Stream name (default "jobs:v1:video").
	Stream string

	// ConsumerGroup is the consumer group name (default "reelforge-workers").
	ConsumerGroup string

	// BlockMs is how long Next blocks waiting for a message (default 5000).
	BlockMs int

	// VisibilityMs is how long a claimed message may stay unacked before it
	// becomes eligible for redelivery (default 60000).
	VisibilityMs int

	// MaxAttempts is the delivery count after which a message goes to the
	// dead letter stream (default 5).
	MaxAttempts int
}

// Queue wraps Redis Streams operations for the job queue.
type Queue struct {
	client     *redis.Client
	consumerID string
	cfg        Config
}

// New creates a queue client. Connect must be called before use.
func New(cfg Config) *Queue {
	if cfg.Stream == "" {
		cfg.Stream = "jobs:v1:video"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "reelforge-workers"
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5000
	}
	if cfg.VisibilityMs == 0 {
		cfg.VisibilityMs = 60000
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}

	return &Queue{
		consumerID: fmt.Sprintf("reelforge-%s", uuid.New().String()[:8]),
		cfg:        cfg,
	}
}

// Connect establishes the Redis connection and ensures the consumer group.
func (q *Queue) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(q.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	if q.cfg.Password != "" {
		opts.Password = q.cfg.Password
	}

	q.client = redis.NewClient(opts)
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	err = q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// ConnectWithClient attaches an existing client (tests use miniredis-backed
// clients) and ensures the consumer group.
func (q *Queue) ConnectWithClient(ctx context.Context, client *redis.Client) error {
	q.client = client
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue adds a job message to the stream. Called by the admission gate
// after its transaction commits.
func (q *Queue) Enqueue(ctx context.Context, jobID, userID string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			"jobId":      jobID,
			"userId":     userID,
			"payload":    string(payloadJSON),
			"enqueuedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Next returns the next message, or nil when none is available within the
// block timeout. Stranded messages past the visibility timeout are claimed
// before new ones are read. Messages over the max delivery count are moved
// to the dead letter stream and skipped.
func (q *Queue) Next(ctx context.Context) (*Message, error) {
	msg, err := q.claimStranded(ctx)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		msg, err = q.readNew(ctx)
		if err != nil || msg == nil {
			return msg, err
		}
	}

	if msg.Deliveries > int64(q.cfg.MaxAttempts) {
		if err := q.moveToDLQ(ctx, msg, "exceeded max delivery attempts"); err != nil {
			return nil, err
		}
		if err := q.Ack(ctx, msg.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return msg, nil
}

// claimStranded reclaims one message that has been pending unacked past the
// visibility timeout. Returns nil when there is nothing to claim.
func (q *Queue) claimStranded(ctx context.Context) (*Message, error) {
	minIdle := time.Duration(q.cfg.VisibilityMs) * time.Millisecond
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.ConsumerGroup,
		Consumer: q.consumerID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("autoclaim: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return q.parseMessage(ctx, msgs[0])
}

// readNew blocks for up to BlockMs waiting for a fresh message.
func (q *Queue) readNew(ctx context.Context) (*Message, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.ConsumerGroup,
		Consumer: q.consumerID,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    time.Duration(q.cfg.BlockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.parseMessage(ctx, streams[0].Messages[0])
}

func (q *Queue) parseMessage(ctx context.Context, m redis.XMessage) (*Message, error) {
	msg := &Message{ID: m.ID}
	if v, ok := m.Values["jobId"].(string); ok {
		msg.JobID = v
	}
	if v, ok := m.Values["userId"].(string); ok {
		msg.UserID = v
	}
	if v, ok := m.Values["payload"].(string); ok {
		msg.Payload = json.RawMessage(v)
	}
	msg.Deliveries = q.deliveryCount(ctx, m.ID)
	return msg, nil
}

// deliveryCount returns how many times the message has been delivered.
func (q *Queue) deliveryCount(ctx context.Context, messageID string) int64 {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.ConsumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

// Ack acknowledges a message; it will not be redelivered.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	return q.client.XAck(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, messageID).Err()
}

// RecordFailure records a processing failure for operational monitoring.
// The message itself stays unacked so redelivery and DLQ handling apply.
func (q *Queue) RecordFailure(ctx context.Context, jobID string, cause error) error {
	key := fmt.Sprintf("job:%s:delivery", jobID)
	return q.client.HSet(ctx, key, map[string]any{
		"lastError": cause.Error(),
		"worker":    q.consumerID,
		"failedAt":  time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

// moveToDLQ copies the message to the dead letter stream.
func (q *Queue) moveToDLQ(ctx context.Context, msg *Message, reason string) error {
	parts := strings.Split(q.cfg.Stream, ":")
	dlq := fmt.Sprintf("dlq:v1:%s", parts[len(parts)-1])

	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		Values: map[string]any{
			"originalMessageId": msg.ID,
			"originalStream":    q.cfg.Stream,
			"jobId":             msg.JobID,
			"userId":            msg.UserID,
			"payload":           string(msg.Payload),
			"reason":            reason,
			"movedAt":           time.Now().UTC().Format(time.RFC3339),
			"worker":            q.consumerID,
		},
	}).Err()
}

// ConsumerID returns this client's unique consumer identifier.
func (q *Queue) ConsumerID() string {
	return q.consumerID
}

// Stream returns the stream name this client consumes.
func (q *Queue) Stream() string {
	return q.cfg.Stream
}

// MaxAttempts returns the configured DLQ threshold.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Client returns the underlying Redis client (shared with the notifier).
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
