package provider

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted provider for tests and offline runs. Responses are
// consumed in order; an exhausted script fails loudly instead of looping.
type Mock struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []Request
}

// MockResponse scripts one generation result.
type MockResponse struct {
	Program *GeneratedProgram
	Err     error
}

// NewMock creates a scripted provider.
func NewMock(responses ...MockResponse) *Mock {
	return &Mock{responses: responses}
}

// Script appends responses to the script.
func (m *Mock) Script(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// GenerateProgram pops the next scripted response.
func (m *Mock) GenerateProgram(_ context.Context, req Request) (*GeneratedProgram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock provider script exhausted after %d calls", len(m.calls))
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	return next.Program, next.Err
}

// Calls returns every request seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many generation requests were made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
