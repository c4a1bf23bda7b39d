package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const defaultFalEndpoint = "https://fal.run/fal-ai/veo3"

// Fal is the adapter for the fal.ai hosted generation API.
type Fal struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewFal creates a fal.ai provider adapter.
func NewFal(cfg Config, client *http.Client) *Fal {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultFalEndpoint
	}
	return &Fal{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   client,
	}
}

// Name returns "fal".
func (f *Fal) Name() string {
	return "fal"
}

// falInput is the snake_case request body the fal API expects.
type falInput struct {
	Prompt           string `json:"prompt"`
	NegativePrompt   string `json:"negative_prompt,omitempty"`
	DurationSeconds  int    `json:"duration_seconds"`
	AspectRatio      string `json:"aspect_ratio,omitempty"`
	SampleCount      int    `json:"sample_count,omitempty"`
	GenerateAudio    bool   `json:"generate_audio"`
	Seed             int64  `json:"seed,omitempty"`
	EnhancePrompt    bool   `json:"enhance_prompt,omitempty"`
	PersonGeneration string `json:"person_generation,omitempty"`
	ImageURL         string `json:"image_url,omitempty"`
}

type falResponse struct {
	Video struct {
		URL string `json:"url"`
	} `json:"video"`
}

// Generate submits the request and waits for the terminal response.
func (f *Fal) Generate(ctx context.Context, req Request) (Result, error) {
	p := req.Params
	body, err := json.Marshal(falInput{
		Prompt:           p.Prompt,
		NegativePrompt:   p.NegativePrompt,
		DurationSeconds:  p.DurationSeconds,
		AspectRatio:      p.AspectRatio,
		SampleCount:      p.SampleCount,
		GenerateAudio:    p.GenerateAudio,
		Seed:             p.Seed,
		EnhancePrompt:    p.EnhancePrompt,
		PersonGeneration: p.PersonGeneration,
		ImageURL:         p.ImageURL,
	})
	if err != nil {
		return Result{}, &Error{Provider: f.Name(), Err: fmt.Errorf("marshal input: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Provider: f.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+f.apiKey)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Provider: f.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, &Error{
			Provider:   f.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("generation request rejected: %s", msg),
		}
	}

	var out falResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &Error{Provider: f.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Video.URL == "" {
		return Result{}, &Error{Provider: f.Name(), Err: ErrNoVideo}
	}

	return Result{VideoURLs: []string{out.Video.URL}}, nil
}

var _ Provider = (*Fal)(nil)
