// Package worker runs the generation pipeline: it consumes queued jobs,
// drives them through the external provider, persists results, and runs
// token compensation on failure.
//
// Architecture:
//
//	Source (redis) → Runner → GenerateHandler → {store, provider, artifact, notify}
//
// The queue delivers at least once; the handler's terminal-state guards in
// the store make duplicate deliveries no-ops, so the pipeline is
// effectively-once from the user's point of view.
package worker

import (
	"context"

	"github.com/reelforge/reelforge/internal/store"
)

// Message is one job delivery handed to the handler.
type Message struct {
	// ID is the source-specific message identifier used for ack.
	ID string

	JobID  string
	UserID string
	Params store.GenerationParams

	// Deliveries counts how many times this message has been delivered.
	Deliveries int64
}

// Source is the consumer side of the job queue.
type Source interface {
	// Name returns the source identifier.
	Name() string

	// Connect establishes the connection. Must be called before Next.
	Connect(ctx context.Context) error

	// Next blocks until a message is available or the context ends.
	// Returns nil message (no error) when none arrived within the source's
	// block timeout. The message is claimed and must be Acked or Nacked.
	Next(ctx context.Context) (*Message, error)

	// Ack acknowledges the message; it will not be redelivered.
	Ack(ctx context.Context, msg *Message) error

	// Nack records the failure for operational visibility and leaves the
	// message unacked, so it is redelivered after the visibility timeout
	// (or dead-lettered after max attempts).
	Nack(ctx context.Context, msg *Message, cause error) error

	// Close releases the connection.
	Close() error
}
