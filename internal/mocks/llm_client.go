package mocks

import (
	"context"
	"strings"
	"sync"

	"conductor/pkg/agent/llm"
)

// MockLLMClient implements llm.Client for testing. Unlike llm.ClientFunc
// it records every request, so tests can assert on what the agent sent
// to the provider.
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked. Override to
	// customize behavior.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// Calls tracks all requests passed to Complete, in order.
	Calls []llm.CompletionRequest

	model string
	mu    sync.Mutex
}

// NewMockLLMClient creates a mock provider that answers every request
// with an empty end_turn response under the model name "mock-model".
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{model: "mock-model"}
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "Mock response", StopReason: "end_turn"}, nil
	}
	return m
}

// Complete implements llm.Client.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()
	return m.CompleteFunc(ctx, req)
}

// ModelName implements llm.Client.
func (m *MockLLMClient) ModelName() string {
	return m.model
}

// SetModelName sets the model name returned by ModelName.
func (m *MockLLMClient) SetModelName(name string) {
	m.model = name
}

// --- Response helpers ---

// RespondWith configures Complete to return the specified content.
func (m *MockLLMClient) RespondWith(content string) {
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	}
}

// RespondWithSequence configures Complete to return each response in
// order, repeating the last one once the sequence is exhausted.
func (m *MockLLMClient) RespondWithSequence(responses ...llm.CompletionResponse) {
	index := 0
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		if index < len(responses) {
			resp := responses[index]
			index++
			return resp, nil
		}
		return responses[len(responses)-1], nil
	}
}

// FailWith configures Complete to return the specified error.
func (m *MockLLMClient) FailWith(err error) {
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	}
}

// --- Verification helpers ---

// CallCount returns the number of times Complete was called.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockLLMClient) LastRequest() *llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}

// RequestContains reports whether any recorded request carried a message
// containing the given substring.
func (m *MockLLMClient) RequestContains(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.Calls {
		for _, msg := range call.Messages {
			if strings.Contains(msg.Content, substr) {
				return true
			}
		}
	}
	return false
}
