package mocks

import (
	"context"
	"sync"
)

// GitRunCall records the parameters of one git command call.
type GitRunCall struct {
	Dir  string
	Args []string
}

// MockGitRunner implements gateway.GitRunner for testing. The default
// behavior is that every command succeeds with empty output, which is
// enough for the gateway's init/add/commit sequences; override RunFunc
// for anything richer.
type MockGitRunner struct {
	// RunFunc is called when Run is invoked. Override to customize behavior.
	RunFunc func(ctx context.Context, dir string, args ...string) ([]byte, error)

	// RunCalls tracks all calls to Run for verification.
	RunCalls []GitRunCall

	mu sync.Mutex
}

// NewMockGitRunner creates a mock git runner whose commands all succeed
// with empty output.
func NewMockGitRunner() *MockGitRunner {
	m := &MockGitRunner{}
	m.RunFunc = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte{}, nil
	}
	return m
}

// Run implements gateway.GitRunner.
func (m *MockGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, GitRunCall{Dir: dir, Args: args})
	m.mu.Unlock()
	return m.RunFunc(ctx, dir, args...)
}

// --- Error simulation helpers ---

// FailWith configures every command to return the specified error.
func (m *MockGitRunner) FailWith(err error) {
	m.RunFunc = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, err
	}
}

// FailCommandWith configures one git subcommand to fail; every other
// command succeeds with empty output.
func (m *MockGitRunner) FailCommandWith(command string, err error) {
	m.RunFunc = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if len(args) > 0 && args[0] == command {
			return nil, err
		}
		return []byte{}, nil
	}
}

// --- Response helpers ---

// RespondToCommand configures one git subcommand to return specific
// output. Other commands return empty output.
func (m *MockGitRunner) RespondToCommand(command, output string) {
	m.RunFunc = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if len(args) > 0 && args[0] == command {
			return []byte(output), nil
		}
		return []byte{}, nil
	}
}

// --- Verification helpers ---

// CallCount returns the number of times Run was called.
func (m *MockGitRunner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RunCalls)
}

// Commands returns the subcommand (first argument) of every recorded
// call, in order.
func (m *MockGitRunner) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.RunCalls))
	for _, call := range m.RunCalls {
		if len(call.Args) > 0 {
			out = append(out, call.Args[0])
		}
	}
	return out
}

// WasCommandCalled reports whether Run was called with the given
// subcommand.
func (m *MockGitRunner) WasCommandCalled(command string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.RunCalls {
		if len(call.Args) > 0 && call.Args[0] == command {
			return true
		}
	}
	return false
}
