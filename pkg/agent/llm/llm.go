// Package llm defines the provider-neutral chat-completion surface the
// agents program against. Concrete vendor clients live under
// internal/llmimpl and are assembled by pkg/agent.
package llm

import "context"

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem carries instructions that frame the whole exchange.
	RoleSystem CompletionRole = "system"
	// RoleUser is the requesting side of the conversation.
	RoleUser CompletionRole = "user"
	// RoleAssistant is the model's side of the conversation.
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage is one turn of a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// CompletionRequest is a single chat-completion call. Conversations here
// are short: a system template plus one user instruction, occasionally an
// assistant turn when a proposal is being revised.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float64
}

// Usage reports the token counts a provider attributed to one call.
// Zero values mean the provider did not report usage.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is the provider's answer.
type CompletionResponse struct {
	Content    string
	StopReason string // "end_turn", "max_tokens", or a provider-specific reason
	Usage      Usage
}

// Client is the interface every provider implementation satisfies.
type Client interface {
	// Complete generates a completion synchronously. The context carries
	// the per-call deadline; implementations must honor cancellation.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// ModelName returns the model this client is bound to.
	ModelName() string
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// Middleware wraps a Client with additional behavior.
type Middleware func(next Client) Client

// Chain composes middlewares around a base client. The first middleware
// is outermost: Chain(c, m1, m2) yields m1 -> m2 -> c.
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}

// ClientFunc adapts plain functions to the Client interface, mainly for
// middleware implementations and tests.
type ClientFunc struct {
	CompleteFunc func(context.Context, CompletionRequest) (CompletionResponse, error)
	Model        string
}

// Complete invokes the wrapped function.
func (f ClientFunc) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	return f.CompleteFunc(ctx, in)
}

// ModelName returns the configured model name.
func (f ClientFunc) ModelName() string { return f.Model }
