package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/storymesh/core"
)

// Request captures normalized generation input.
type Request struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Text  string      `json:"text"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a backend implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Backend is the minimal interface a text generator must satisfy.
// Implementations fail with *core.WorkerError (or a context error) so the
// bridge to core.Worker never has to guess a failure kind.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)

	// Info returns information about the backend implementation.
	Info() Info
}

// MockBackend is a lightweight in-memory Backend useful for tests and
// offline runs. Responses are matched by prompt substring; unmatched prompts
// get a deterministic echo. Safe for concurrent use.
type MockBackend struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	errs      map[string]error
	calls     int
}

// NewMockBackend constructs a MockBackend.
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
		errs:      make(map[string]error),
	}
}

// AddResponse registers a canned completion for prompts containing match.
func (m *MockBackend) AddResponse(match, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[match] = response
}

// AddError registers a failure for prompts containing match.
func (m *MockBackend) AddError(match string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[match] = err
}

// Calls returns how many generations have been attempted.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Backend.
func (m *MockBackend) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	for match, err := range m.errs {
		if strings.Contains(req.Prompt, match) {
			return Response{}, err
		}
	}
	for match, text := range m.responses {
		if strings.Contains(req.Prompt, match) {
			return Response{Text: text}, nil
		}
	}
	return Response{Text: fmt.Sprintf("Mock response to: %s", req.Prompt)}, nil
}

// Info implements Backend.
func (m *MockBackend) Info() Info { return m.info }

var _ Backend = (*MockBackend)(nil)
var _ core.Worker = (*Worker)(nil)
