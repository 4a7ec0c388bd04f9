// Package mocks provides shared mock implementations for testing.
//
// The mocks cover the three seams agents are built against: the LLM
// provider, the git runner behind the repository gateway, and the
// orchestrator HTTP surface. Packages with richer stateful needs keep
// their own fakes; these are for tests that only need call recording
// and canned answers.
//
// # Usage
//
//	import "conductor/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    provider := mocks.NewMockLLMClient()
//	    provider.RespondWith("```python\nprint('hi')\n```")
//	    // Use provider in test...
//	}
//
// # Available Mocks
//
//   - MockLLMClient: Mock for pkg/agent/llm.Client
//   - MockGitRunner: Mock for pkg/gateway.GitRunner
//   - MockAPIClient: Mock for the agents' Service interfaces
//     (the surface pkg/client.Client implements)
package mocks
