package resilience

import (
	"context"
	"time"

	"conductor/pkg/agent/llm"
)

// timeoutClient applies a per-attempt deadline. Sitting inside the retry
// layer means an expired call is aborted, counted as one attempt, and the
// next attempt starts with a fresh deadline.
type timeoutClient struct {
	client  llm.Client
	timeout time.Duration
}

// TimeoutMiddleware bounds every provider call with d. A non-positive d
// leaves calls unbounded.
func TimeoutMiddleware(d time.Duration) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return &timeoutClient{client: next, timeout: d}
	}
}

func (t *timeoutClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if t.timeout <= 0 {
		return t.client.Complete(ctx, in)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.client.Complete(ctx, in)
}

func (t *timeoutClient) ModelName() string { return t.client.ModelName() }
