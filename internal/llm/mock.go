package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"engramd/internal/types"
)

// MockClient is a scripted LLM client for tests and offline runs.
// Responses are matched by prompt substring, in registration order;
// unmatched prompts echo a default.
type MockClient struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	calls    int
}

type mockRule struct {
	contains string
	response string
	err      error
}

var _ types.LLMClient = (*MockClient)(nil)

// NewMockClient creates a mock with the given default response.
func NewMockClient(fallback string) *MockClient {
	return &MockClient{fallback: fallback}
}

// Respond registers a scripted response for prompts containing substr.
func (m *MockClient) Respond(substr, response string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{contains: substr, response: response})
	return m
}

// Fail registers a scripted error for prompts containing substr.
func (m *MockClient) Fail(substr string, err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{contains: substr, err: err})
	return m
}

// Calls reports how many LLM calls were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	samples, err := m.Generate(ctx, prompt, 1)
	if err != nil {
		return "", err
	}
	return samples[0], nil
}

func (m *MockClient) Generate(ctx context.Context, prompt string, sampleCount int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls++
	var resp string
	var respErr error
	matched := false
	for _, r := range m.rules {
		if r.contains != "" && strings.Contains(prompt, r.contains) {
			resp, respErr = r.response, r.err
			matched = true
			break
		}
	}
	m.mu.Unlock()

	if !matched {
		resp = m.fallback
	}
	if respErr != nil {
		return nil, respErr
	}
	if resp == "" {
		return nil, fmt.Errorf("mock: no response configured")
	}

	if sampleCount <= 0 {
		sampleCount = 1
	}
	samples := make([]string, sampleCount)
	for i := range samples {
		samples[i] = resp
	}
	return samples, nil
}
