// Package sweep reconciles jobs the normal pipeline lost track of:
// jobs stuck in PROCESSING past the provider bound are failed and refunded,
// and jobs left in PENDING (admitted but never delivered) are re-enqueued.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/reelforge/reelforge/internal/notify"
	"github.com/reelforge/reelforge/internal/store"
)

// Enqueuer re-enqueues a recovered pending job.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, userID string, payload any) error
}

// Config holds sweeper configuration.
type Config struct {
	// ProcessingTimeout is how long a job may sit in PROCESSING before the
	// sweep treats it as abandoned (default 30m).
	ProcessingTimeout time.Duration

	// PendingTimeout is how long a job may sit in PENDING before the sweep
	// re-enqueues it (default 5m).
	PendingTimeout time.Duration

	// BatchLimit caps jobs handled per run (default 100).
	BatchLimit int

	// LogFn receives log lines; nil discards them.
	LogFn func(level, msg string)
}

// Sweeper runs the out-of-band reconciliation pass.
type Sweeper struct {
	store    *store.Store
	queue    Enqueuer
	notifier notify.Publisher
	cfg      Config
}

// New creates a sweeper. queue and notifier may be nil, disabling
// re-enqueue and notifications respectively.
func New(st *store.Store, q Enqueuer, n notify.Publisher, cfg Config) *Sweeper {
	if cfg.ProcessingTimeout == 0 {
		cfg.ProcessingTimeout = 30 * time.Minute
	}
	if cfg.PendingTimeout == 0 {
		cfg.PendingTimeout = 5 * time.Minute
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = 100
	}
	if cfg.LogFn == nil {
		cfg.LogFn = func(level, msg string) {}
	}
	if n == nil {
		n = notify.NoopPublisher{}
	}
	return &Sweeper{store: st, queue: q, notifier: n, cfg: cfg}
}

// Result summarizes one sweep run.
type Result struct {
	Failed   int
	Requeued int
	Refunded int64
}

// Run executes one reconciliation pass.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var res Result

	stale, err := s.store.StaleProcessing(ctx, time.Now().Add(-s.cfg.ProcessingTimeout), s.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("list stale processing jobs: %w", err)
	}
	for _, job := range stale {
		// FailJob is terminal-guarded, so racing with a worker that is
		// still alive cannot double-settle or double-refund.
		refunded, applied, err := s.store.FailJob(ctx, job.ID,
			"generation timed out and was abandoned")
		if err != nil {
			s.cfg.LogFn("error", fmt.Sprintf("sweep: compensation for job %s failed: %v", job.ID, err))
			continue
		}
		if !applied {
			continue
		}
		res.Failed++
		res.Refunded += refunded
		s.cfg.LogFn("warning", fmt.Sprintf("sweep: job %s abandoned, refunded %d tokens", job.ID, refunded))

		if err := s.notifier.Publish(ctx, job.UserID, notify.Event{
			JobID:   job.ID,
			Outcome: notify.OutcomeFailed,
			Title:   "Video Generation Failed",
			Message: "Your generation timed out. Your tokens have been refunded.",
		}); err != nil {
			s.cfg.LogFn("warning", fmt.Sprintf("sweep: notification for job %s dropped: %v", job.ID, err))
		}
	}

	if s.queue != nil {
		pending, err := s.store.PendingBefore(ctx, time.Now().Add(-s.cfg.PendingTimeout), s.cfg.BatchLimit)
		if err != nil {
			return res, fmt.Errorf("list stuck pending jobs: %w", err)
		}
		for _, job := range pending {
			// Duplicate enqueue is tolerated: delivery is at-least-once and
			// terminal guards make extra deliveries no-ops.
			if err := s.queue.Enqueue(ctx, job.ID, job.UserID, job.Params); err != nil {
				s.cfg.LogFn("error", fmt.Sprintf("sweep: re-enqueue of job %s failed: %v", job.ID, err))
				continue
			}
			res.Requeued++
			s.cfg.LogFn("info", fmt.Sprintf("sweep: re-enqueued pending job %s", job.ID))
		}
	}

	return res, nil
}
