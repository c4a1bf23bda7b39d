package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const vertexModel = "veo-2.0-generate-001"

// Vertex is the adapter for Google Vertex AI video generation.
type Vertex struct {
	apiKey   string
	endpoint string
	project  string
	location string
	bucket   string
	client   *http.Client
}

// NewVertex creates a Vertex AI provider adapter.
func NewVertex(cfg Config, client *http.Client) *Vertex {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location)
	}
	return &Vertex{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		project:  cfg.Project,
		location: cfg.Location,
		bucket:   cfg.Bucket,
		client:   client,
	}
}

// Name returns "vertex".
func (v *Vertex) Name() string {
	return "vertex"
}

// vertexRequest follows the Vertex predict API: one instance holding the
// prompt (and optional image), with everything else in parameters.
type vertexRequest struct {
	Instances  []map[string]any `json:"instances"`
	Parameters map[string]any   `json:"parameters"`
}

type vertexResponse struct {
	Predictions []struct {
		VideoURI string `json:"videoUri"`
		GCSURI   string `json:"gcsUri"`
	} `json:"predictions"`
}

// Generate submits a predict request and waits for the terminal response.
func (v *Vertex) Generate(ctx context.Context, req Request) (Result, error) {
	p := req.Params

	instance := map[string]any{"prompt": p.Prompt}
	if p.ImageURL != "" {
		instance["image"] = map[string]any{"gcsUri": p.ImageURL}
	}

	params := map[string]any{
		"durationSeconds": p.DurationSeconds,
		"sampleCount":     p.SampleCount,
		"generateAudio":   p.GenerateAudio,
		"storageUri":      fmt.Sprintf("gs://%s/outputs/%s", v.bucket, req.JobID),
	}
	if p.NegativePrompt != "" {
		params["negativePrompt"] = p.NegativePrompt
	}
	if p.AspectRatio != "" {
		params["aspectRatio"] = p.AspectRatio
	}
	if p.Seed != 0 {
		params["seed"] = p.Seed
	}
	if p.PersonGeneration != "" {
		params["personGeneration"] = p.PersonGeneration
	}

	body, err := json.Marshal(vertexRequest{
		Instances:  []map[string]any{instance},
		Parameters: params,
	})
	if err != nil {
		return Result{}, &Error{Provider: v.Name(), Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		v.endpoint, v.project, v.location, vertexModel)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Provider: v.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Provider: v.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, &Error{
			Provider:   v.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("predict rejected: %s", msg),
		}
	}

	var out vertexResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &Error{Provider: v.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Predictions) == 0 {
		return Result{}, &Error{Provider: v.Name(), Err: ErrNoVideo}
	}

	urls := make([]string, 0, len(out.Predictions))
	for _, pred := range out.Predictions {
		switch {
		case pred.VideoURI != "":
			urls = append(urls, pred.VideoURI)
		case pred.GCSURI != "":
			urls = append(urls, pred.GCSURI)
		}
	}
	if len(urls) == 0 {
		return Result{}, &Error{Provider: v.Name(), Err: ErrNoVideo}
	}

	return Result{VideoURLs: urls}, nil
}

var _ Provider = (*Vertex)(nil)
