// Package admission validates generation requests, prices them server-side,
// atomically reserves tokens while creating the job and attempt records,
// and hands the job to the queue.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/reelforge/reelforge/internal/store"
)

// ErrRateLimited is returned when the submission rate limit is exceeded.
var ErrRateLimited = errors.New("admission: rate limited")

// ValidationError describes a malformed request. Nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("admission: invalid %s: %s", e.Field, e.Reason)
}

// SubmitRequest is one generation request from the outer request handler.
// Cost is always computed here, never trusted from the caller.
type SubmitRequest struct {
	UserID           string
	Prompt           string
	NegativePrompt   string
	DurationSeconds  int
	AspectRatio      string
	SampleCount      int
	GenerateAudio    bool
	Seed             int64
	EnhancePrompt    bool
	PersonGeneration string
	ImageURL         string
}

// Pricing computes the token cost of a request.
type Pricing struct {
	// TokensPerSecond is the base rate (default 10).
	TokensPerSecond int64
	// AudioSurcharge is added per second when audio is requested (default 5).
	AudioSurcharge int64

	MinDurationSeconds int
	MaxDurationSeconds int
	MaxSampleCount     int
	MaxPromptLength    int
}

// DefaultPricing returns the standard rates and bounds.
func DefaultPricing() Pricing {
	return Pricing{
		TokensPerSecond:    10,
		AudioSurcharge:     5,
		MinDurationSeconds: 1,
		MaxDurationSeconds: 8,
		MaxSampleCount:     4,
		MaxPromptLength:    2000,
	}
}

// Cost returns the token cost: duration x per-second rate x sample count.
func (p Pricing) Cost(req SubmitRequest) int64 {
	perSecond := p.TokensPerSecond
	if req.GenerateAudio {
		perSecond += p.AudioSurcharge
	}
	samples := int64(req.SampleCount)
	if samples < 1 {
		samples = 1
	}
	return int64(req.DurationSeconds) * perSecond * samples
}

// Enqueuer hands an admitted job to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, userID string, payload any) error
}

// Gate is the admission gate.
type Gate struct {
	store   *store.Store
	queue   Enqueuer
	pricing Pricing
	limiter *rate.Limiter
	logFn   func(level, msg string)
}

// Config holds gate configuration.
type Config struct {
	Pricing Pricing

	// RatePerSecond and Burst bound submissions per process; zero disables
	// limiting.
	RatePerSecond float64
	Burst         int

	// LogFn receives gate log lines; nil discards them.
	LogFn func(level, msg string)
}

// NewGate creates an admission gate.
func NewGate(st *store.Store, q Enqueuer, cfg Config) *Gate {
	pricing := cfg.Pricing
	if pricing.TokensPerSecond == 0 {
		pricing = DefaultPricing()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	logFn := cfg.LogFn
	if logFn == nil {
		logFn = func(level, msg string) {}
	}

	return &Gate{
		store:   st,
		queue:   q,
		pricing: pricing,
		limiter: limiter,
		logFn:   logFn,
	}
}

// Submit admits one generation request. On success the job exists in
// PENDING with tokens reserved and a queue message enqueued. A queue
// failure after the commit does not undo accounting: the job stays PENDING
// and the sweep re-enqueues it.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := g.validate(req); err != nil {
		return "", err
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return "", ErrRateLimited
	}

	cost := g.pricing.Cost(req)

	job := &store.Job{
		ID:     uuid.New().String(),
		UserID: req.UserID,
		Prompt: req.Prompt,
		Params: store.GenerationParams{
			Prompt:           req.Prompt,
			NegativePrompt:   req.NegativePrompt,
			DurationSeconds:  req.DurationSeconds,
			AspectRatio:      req.AspectRatio,
			SampleCount:      req.SampleCount,
			GenerateAudio:    req.GenerateAudio,
			Seed:             req.Seed,
			EnhancePrompt:    req.EnhancePrompt,
			PersonGeneration: req.PersonGeneration,
			ImageURL:         req.ImageURL,
		},
	}
	if job.Params.SampleCount < 1 {
		job.Params.SampleCount = 1
	}

	if err := g.store.Admit(ctx, job, cost); err != nil {
		return "", err
	}

	if err := g.queue.Enqueue(ctx, job.ID, job.UserID, job.Params); err != nil {
		// Accounting already committed; the job is recoverable from PENDING.
		g.logFn("warning", fmt.Sprintf("job %s admitted but enqueue failed: %v", job.ID, err))
	}

	return job.ID, nil
}

func (g *Gate) validate(req SubmitRequest) error {
	if req.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	if req.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "required"}
	}
	if g.pricing.MaxPromptLength > 0 && len(req.Prompt) > g.pricing.MaxPromptLength {
		return &ValidationError{Field: "prompt",
			Reason: fmt.Sprintf("longer than %d characters", g.pricing.MaxPromptLength)}
	}
	if req.DurationSeconds < g.pricing.MinDurationSeconds || req.DurationSeconds > g.pricing.MaxDurationSeconds {
		return &ValidationError{Field: "durationSeconds",
			Reason: fmt.Sprintf("must be between %d and %d", g.pricing.MinDurationSeconds, g.pricing.MaxDurationSeconds)}
	}
	if req.SampleCount > g.pricing.MaxSampleCount {
		return &ValidationError{Field: "sampleCount",
			Reason: fmt.Sprintf("must be at most %d", g.pricing.MaxSampleCount)}
	}
	if req.SampleCount < 0 {
		return &ValidationError{Field: "sampleCount", Reason: "must not be negative"}
	}
	if req.ImageURL != "" {
		if u, err := url.Parse(req.ImageURL); err != nil || u.Scheme == "" || u.Host == "" {
			return &ValidationError{Field: "imageUrl", Reason: "not an absolute URL"}
		}
	}
	return nil
}
