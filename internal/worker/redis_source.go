package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/reelforge/reelforge/internal/queue"
	"github.com/reelforge/reelforge/internal/store"
)

// maskRedisURL masks the password in a Redis URL for safe logging.
// redis://:password@host:port -> redis://***@host:port
func maskRedisURL(redisURL string) string {
	u, err := url.Parse(redisURL)
	if err != nil {
		if strings.HasPrefix(redisURL, "redis://") {
			return "redis://***"
		}
		return "***"
	}
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// RedisSource adapts the Redis Streams queue to the Source interface.
type RedisSource struct {
	q     *queue.Queue
	cfg   queue.Config
	logFn func(level, msg string)
}

// NewRedisSource creates a Redis-backed job source.
func NewRedisSource(cfg queue.Config, logFn func(level, msg string)) *RedisSource {
	if logFn == nil {
		logFn = func(level, msg string) {}
	}
	return &RedisSource{
		q:     queue.New(cfg),
		cfg:   cfg,
		logFn: logFn,
	}
}

// NewRedisSourceFromQueue wraps an already-connected queue client.
func NewRedisSourceFromQueue(q *queue.Queue, logFn func(level, msg string)) *RedisSource {
	if logFn == nil {
		logFn = func(level, msg string) {}
	}
	return &RedisSource{q: q, logFn: logFn}
}

// Name returns the source identifier.
func (s *RedisSource) Name() string {
	return "redis"
}

// Connect establishes the Redis connection.
func (s *RedisSource) Connect(ctx context.Context) error {
	if s.cfg.URL == "" {
		// Pre-connected via NewRedisSourceFromQueue.
		return nil
	}
	if err := s.q.Connect(ctx); err != nil {
		return err
	}
	s.logFn("info", "   - Redis: "+maskRedisURL(s.cfg.URL))
	s.logFn("info", "   - Stream: "+s.q.Stream())
	s.logFn("info", "   - Consumer: "+s.q.ConsumerID())
	return nil
}

// Next blocks until a message is available or the context ends.
func (s *RedisSource) Next(ctx context.Context) (*Message, error) {
	qm, err := s.q.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("read job from redis: %w", err)
	}
	if qm == nil {
		return nil, nil
	}

	msg := &Message{
		ID:         qm.ID,
		JobID:      qm.JobID,
		UserID:     qm.UserID,
		Deliveries: qm.Deliveries,
	}
	if len(qm.Payload) > 0 {
		var params store.GenerationParams
		if err := json.Unmarshal(qm.Payload, &params); err != nil {
			return nil, fmt.Errorf("parse payload for job %s: %w", qm.JobID, err)
		}
		msg.Params = params
	}
	return msg, nil
}

// Ack acknowledges successful handling.
func (s *RedisSource) Ack(ctx context.Context, msg *Message) error {
	return s.q.Ack(ctx, msg.ID)
}

// Nack records the failure and leaves the message unacked for redelivery
// or DLQ handling.
func (s *RedisSource) Nack(ctx context.Context, msg *Message, cause error) error {
	return s.q.RecordFailure(ctx, msg.JobID, cause)
}

// Close disconnects from Redis.
func (s *RedisSource) Close() error {
	return s.q.Close()
}

// Queue exposes the underlying queue client.
func (s *RedisSource) Queue() *queue.Queue {
	return s.q
}

var _ Source = (*RedisSource)(nil)
