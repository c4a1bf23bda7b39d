// Package provider defines the external video generation capability and its
// interchangeable adapters. The worker is agnostic to which backend serves a
// job; adapters are selected by configuration.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/reelforge/reelforge/internal/store"
)

// Provider is the interface generation backends must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "fal", "vertex").
	Name() string

	// Generate runs one generation request to a terminal outcome. The call
	// may be long-running; it must honor ctx cancellation. Internal
	// polling/streaming is opaque to the caller.
	Generate(ctx context.Context, req Request) (Result, error)
}

// Request is the payload sent to a provider adapter.
type Request struct {
	JobID  string
	Params store.GenerationParams
}

// Result is the terminal outcome of a successful generation.
type Result struct {
	// VideoURLs are the provider-hosted outputs, one per sample.
	VideoURLs []string
}

// Sentinel errors.
var (
	// ErrNoVideo means the provider responded without a usable video URL.
	ErrNoVideo = errors.New("provider: response contained no video")

	// ErrUnknownProvider is returned by New for an unrecognized name.
	ErrUnknownProvider = errors.New("provider: unknown provider name")
)

// Error wraps a provider failure with its origin.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config selects and configures a provider adapter.
type Config struct {
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`

	// Vertex-specific settings.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	Bucket   string `yaml:"bucket"`

	// TimeoutSeconds bounds a single Generate call (default 600).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// New returns the configured provider adapter.
func New(cfg Config) (Provider, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Name {
	case "fal":
		return NewFal(cfg, client), nil
	case "vertex":
		return NewVertex(cfg, client), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Name)
	}
}
