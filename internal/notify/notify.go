// Package notify delivers terminal-state job events to live clients.
//
// Delivery is best-effort and at-most-once: a publish failure is logged by
// the caller and never retried, and never affects job, attempt, or ledger
// state. Clients without a live connection poll job status instead.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome values for terminal job events.
const (
	OutcomeCompleted = "COMPLETED"
	OutcomeFailed    = "FAILED"
)

// Event is a terminal-state notification for one job.
type Event struct {
	JobID     string `json:"jobId"`
	Outcome   string `json:"outcome"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ActionURL string `json:"actionUrl,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher pushes events toward a user's live connection, if any.
type Publisher interface {
	Publish(ctx context.Context, userID string, ev Event) error
}

// ChannelPrefix namespaces per-user notification channels.
const ChannelPrefix = "notify:v1:"

// Channel returns the pub/sub channel for a user.
func Channel(userID string) string {
	return ChannelPrefix + userID
}

// RedisPublisher publishes events to per-user Redis Pub/Sub channels. The
// gateway's WebSocket hub subscribes these and forwards to connected
// clients; with no subscriber the publish is a no-op, which is the intended
// at-most-once behavior.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher on an existing Redis client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends the event to the user's channel.
func (p *RedisPublisher) Publish(ctx context.Context, userID string, ev Event) error {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish event for user %s: %w", userID, err)
	}
	return nil
}

// NoopPublisher discards events. Used when no live sink is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, userID string, ev Event) error { return nil }

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = NoopPublisher{}
)
