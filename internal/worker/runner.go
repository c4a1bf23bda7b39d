package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// WorkerID identifies this worker process.
	WorkerID string

	// Concurrency is how many messages are processed in parallel; each
	// goroutine handles one message at a time (default 1).
	Concurrency int

	// LogFn receives log lines; nil prints to stdout/stderr.
	LogFn func(level, msg string)
}

// Runner orchestrates the consume loop: fetch, execute, settle.
type Runner struct {
	source  Source
	handler Handler
	config  RunnerConfig
}

// NewRunner creates a runner.
func NewRunner(source Source, handler Handler, config RunnerConfig) *Runner {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Runner{
		source:  source,
		handler: handler,
		config:  config,
	}
}

// log outputs a message - uses the callback if set, otherwise stdout/stderr.
func (r *Runner) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.config.LogFn != nil {
		r.config.LogFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// Run starts the processing loop and blocks until the context is cancelled
// or a termination signal arrives.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	r.log("info", "Starting worker %s (%s)", r.config.WorkerID, r.source.Name())
	if err := r.source.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", r.source.Name(), err)
	}
	defer r.source.Close()

	r.log("success", "Worker started, %d consumer(s) listening for jobs...", r.config.Concurrency)

	go func() {
		select {
		case sig := <-sigs:
			r.log("info", "Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < r.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consumeLoop(ctx)
		}()
	}
	wg.Wait()

	r.log("info", "Worker shutdown complete")
	return nil
}

// consumeLoop fetches and processes messages until the context ends,
// backing off exponentially on source errors.
func (r *Runner) consumeLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log("warning", "Error fetching job: %v (retry in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if msg == nil {
			continue
		}

		r.process(ctx, msg)
	}
}

// process dispatches one message and settles it by outcome.
func (r *Runner) process(ctx context.Context, msg *Message) {
	r.log("info", "Received job %s (delivery %d)", msg.JobID, msg.Deliveries)
	start := time.Now()

	outcome, err := r.handler.Execute(ctx, msg)
	duration := time.Since(start)

	switch outcome {
	case OutcomeAck:
		r.log("success", "Job %s settled (%v)", msg.JobID, duration)
		if ackErr := r.source.Ack(ctx, msg); ackErr != nil {
			// Redelivery of a settled job is harmless: the terminal guard
			// turns it into a no-op.
			r.log("warning", "Ack for job %s failed: %v", msg.JobID, ackErr)
		}
	case OutcomeFailed:
		r.log("error", "Job %s failed (%v): %v", msg.JobID, duration, err)
		if nackErr := r.source.Nack(ctx, msg, err); nackErr != nil {
			r.log("warning", "Nack for job %s failed: %v", msg.JobID, nackErr)
		}
	case OutcomeRetry:
		r.log("warning", "Job %s unsettled, awaiting redelivery (%v): %v", msg.JobID, duration, err)
		if nackErr := r.source.Nack(ctx, msg, err); nackErr != nil {
			r.log("warning", "Nack for job %s failed: %v", msg.JobID, nackErr)
		}
	}
}
