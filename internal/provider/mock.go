package provider

import (
	"context"
	"sync"
)

// Mock is a scriptable provider for tests. Responses are returned in the
// order queued; when the script is exhausted a default success is returned.
type Mock struct {
	mu       sync.Mutex
	script   []mockStep
	requests []Request
}

type mockStep struct {
	result Result
	err    error
}

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{}
}

// Name returns "mock".
func (m *Mock) Name() string {
	return "mock"
}

// QueueResult appends a successful response to the script.
func (m *Mock) QueueResult(urls ...string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{result: Result{VideoURLs: urls}})
	return m
}

// QueueError appends a failure to the script.
func (m *Mock) QueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{err: err})
	return m
}

// Requests returns a copy of all requests seen so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Generate replays the next scripted response.
func (m *Mock) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.script) == 0 {
		return Result{VideoURLs: []string{"https://mock.example/" + req.JobID + ".mp4"}}, nil
	}
	step := m.script[0]
	m.script = m.script[1:]
	return step.result, step.err
}

var _ Provider = (*Mock)(nil)
