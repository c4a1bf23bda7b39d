package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelforge/reelforge/internal/artifact"
	"github.com/reelforge/reelforge/internal/notify"
	"github.com/reelforge/reelforge/internal/provider"
	"github.com/reelforge/reelforge/internal/store"
)

// Outcome tells the runner how to settle a delivery.
type Outcome int

const (
	// OutcomeAck acknowledges the message: the job reached a terminal state
	// (or the delivery was a duplicate no-op).
	OutcomeAck Outcome = iota

	// OutcomeFailed means the job failed and compensation completed. The
	// message is nacked so the failure stays visible to queue monitoring;
	// redelivery hits the terminal guard and becomes a no-op.
	OutcomeFailed

	// OutcomeRetry means the delivery must be retried: compensation itself
	// failed, so the job is not yet settled. The message is nacked and
	// redelivered until compensation succeeds.
	OutcomeRetry
)

// Handler processes one delivery to an outcome.
type Handler interface {
	Execute(ctx context.Context, msg *Message) (Outcome, error)
}

// Store is the persistence surface the handler drives the job state machine
// through. *store.Store satisfies it.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*store.JobDetail, error)
	MarkProcessing(ctx context.Context, jobID string) (bool, error)
	CompleteJob(ctx context.Context, jobID string, artifacts []store.Artifact) (bool, error)
	FailJob(ctx context.Context, jobID, errorMessage string) (refunded int64, applied bool, err error)
	AwardExp(ctx context.Context, userID string, amount int64, description, referenceID string) error
}

// ExpReward configures the optional experience grant on success.
type ExpReward struct {
	Enabled bool
	Amount  int64
}

// GenerateHandler drives a queued job through the provider and settles its
// terminal state, including token compensation on failure.
type GenerateHandler struct {
	store     Store
	provider  provider.Provider
	artifacts artifact.Store
	notifier  notify.Publisher
	exp       ExpReward
	logFn     func(level, msg string)
}

// NewGenerateHandler creates the handler. notifier may be nil.
func NewGenerateHandler(st Store, p provider.Provider, a artifact.Store, n notify.Publisher, exp ExpReward, logFn func(level, msg string)) *GenerateHandler {
	if n == nil {
		n = notify.NoopPublisher{}
	}
	if logFn == nil {
		logFn = func(level, msg string) {}
	}
	return &GenerateHandler{
		store:     st,
		provider:  p,
		artifacts: a,
		notifier:  n,
		exp:       exp,
		logFn:     logFn,
	}
}

// Execute runs the job state machine for one delivery:
//
//	PENDING --dequeue--> PROCESSING --success--> COMPLETED
//	                     PROCESSING --failure--> FAILED (+ refund)
//
// A delivery for an already-terminal job acknowledges without reprocessing.
func (h *GenerateHandler) Execute(ctx context.Context, msg *Message) (Outcome, error) {
	detail, err := h.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// A message without a job row cannot be compensated; drop it.
		h.logFn("warning", fmt.Sprintf("job %s not found, dropping message", msg.JobID))
		return OutcomeAck, nil
	}
	if err != nil {
		return OutcomeRetry, fmt.Errorf("load job %s: %w", msg.JobID, err)
	}

	if detail.Job.Status.Terminal() {
		h.logFn("info", fmt.Sprintf("job %s already %s, duplicate delivery is a no-op", msg.JobID, detail.Job.Status))
		return OutcomeAck, nil
	}

	if ok, err := h.store.MarkProcessing(ctx, msg.JobID); err != nil {
		return OutcomeRetry, fmt.Errorf("mark job %s processing: %w", msg.JobID, err)
	} else if !ok {
		return OutcomeAck, nil
	}

	result, err := h.provider.Generate(ctx, provider.Request{
		JobID:  msg.JobID,
		Params: detail.Job.Params,
	})
	if err != nil {
		return h.compensate(ctx, msg, fmt.Errorf("generation failed: %w", err))
	}

	artifacts := make([]store.Artifact, 0, len(result.VideoURLs))
	for _, src := range result.VideoURLs {
		permanent, err := h.artifacts.Persist(ctx, src)
		if err != nil {
			return h.compensate(ctx, msg, fmt.Errorf("persist artifact: %w", err))
		}
		artifacts = append(artifacts, store.Artifact{URL: permanent, Kind: store.ArtifactKindVideo})
	}

	applied, err := h.store.CompleteJob(ctx, msg.JobID, artifacts)
	if err != nil {
		return h.compensate(ctx, msg, fmt.Errorf("record completion: %w", err))
	}
	if !applied {
		// Another delivery finished the job first; nothing was written.
		return OutcomeAck, nil
	}

	if h.exp.Enabled && h.exp.Amount > 0 {
		if err := h.store.AwardExp(ctx, msg.UserID, h.exp.Amount,
			"Experience for completed video generation", msg.JobID); err != nil {
			h.logFn("warning", fmt.Sprintf("exp award for job %s failed: %v", msg.JobID, err))
		}
	}

	h.publish(ctx, msg.UserID, notify.Event{
		JobID:     msg.JobID,
		Outcome:   notify.OutcomeCompleted,
		Title:     "Video Generation Complete!",
		Message:   fmt.Sprintf("Your video for prompt %q is now ready.", truncate(detail.Job.Prompt, 30)),
		ActionURL: "/gallery",
	})

	return OutcomeAck, nil
}

// compensate settles a failed job: terminal FAILED transition plus refund in
// one unit, guarded against an already-terminal attempt so a repeated
// failure path cannot refund twice.
func (h *GenerateHandler) compensate(ctx context.Context, msg *Message, cause error) (Outcome, error) {
	h.logFn("error", fmt.Sprintf("job %s failed: %v", msg.JobID, cause))

	refunded, applied, err := h.store.FailJob(ctx, msg.JobID, cause.Error())
	if err != nil {
		// The job stays non-terminal; redelivery retries compensation.
		return OutcomeRetry, fmt.Errorf("compensation for job %s: %w", msg.JobID, err)
	}
	if !applied {
		// Another delivery already settled the job.
		return OutcomeAck, nil
	}

	message := "We encountered an error. Your tokens have been refunded."
	if refunded == 0 {
		message = "We encountered an error processing your video."
	}
	h.publish(ctx, msg.UserID, notify.Event{
		JobID:   msg.JobID,
		Outcome: notify.OutcomeFailed,
		Title:   "Video Generation Failed",
		Message: message,
	})

	return OutcomeFailed, cause
}

// publish is best-effort; failures are logged and never retried.
func (h *GenerateHandler) publish(ctx context.Context, userID string, ev notify.Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if err := h.notifier.Publish(ctx, userID, ev); err != nil {
		h.logFn("warning", fmt.Sprintf("notification for user %s dropped: %v", userID, err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
