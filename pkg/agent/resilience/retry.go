// Package resilience wraps provider clients with the retry and deadline
// behavior every agent call gets: a uniform random base delay drawn from
// the agent's configured range, doubled per attempt, capped per error
// class.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// Policy bounds the retry loop for one agent's provider calls.
type Policy struct {
	// MaxAttempts is the total number of tries, first call included.
	// Zero falls back to the per-error-type default.
	MaxAttempts int
	// Delay is the range the base backoff delay is drawn from. A zero
	// range uses DefaultDelay.
	Delay config.DelayRange
}

// DefaultDelay is used when an agent's configuration carries no delay
// range.
//
//nolint:gochecknoglobals // package default
var DefaultDelay = config.DelayRange{MinMS: 500, MaxMS: 2000}

// RetryableClient wraps an llm.Client with the retry policy.
type RetryableClient struct {
	client llm.Client
	policy Policy
	logger *logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryableClient creates a retrying wrapper around client.
func NewRetryableClient(client llm.Client, policy Policy, logger *logx.Logger) *RetryableClient {
	return &RetryableClient{
		client: client,
		policy: policy,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Middleware returns the retry layer as a composable middleware.
func Middleware(policy Policy, logger *logx.Logger) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return NewRetryableClient(next, policy, logger)
	}
}

// Complete implements llm.Client, retrying classified transient failures.
func (r *RetryableClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	var lastErr *llmerrors.Error
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt, lastErr.RetryConfig().MaxDelay)
			if r.logger != nil {
				r.logger.Debug("retrying %s after %v (attempt %d, %s)",
					r.client.ModelName(), delay, attempt+1, lastErr.Type)
			}
			select {
			case <-ctx.Done():
				return llm.CompletionResponse{}, llmerrors.NewWithCause(llmerrors.ErrorTypeCanceled, ctx.Err(), "retry canceled")
			case <-time.After(delay):
			}
		}

		resp, err := r.client.Complete(ctx, in)
		if err == nil {
			if attempt > 0 && r.logger != nil {
				r.logger.Debug("completion succeeded on attempt %d after %v", attempt+1, time.Since(start))
			}
			return resp, nil
		}

		lastErr = llmerrors.Classify(err)
		if !lastErr.IsRetryable() || attempt+1 >= r.maxAttempts(lastErr) {
			break
		}
	}

	attempts := r.maxAttempts(lastErr)
	return llm.CompletionResponse{}, fmt.Errorf("gave up after %d attempts (%s) in %v: %w",
		attempts, lastErr.Type, time.Since(start).Round(time.Millisecond), lastErr)
}

// ModelName delegates to the wrapped client.
func (r *RetryableClient) ModelName() string { return r.client.ModelName() }

// maxAttempts resolves the attempt budget: agent configuration wins,
// otherwise the error type's default ceiling applies.
func (r *RetryableClient) maxAttempts(err *llmerrors.Error) int {
	if !err.IsRetryable() {
		return 1
	}
	if r.policy.MaxAttempts > 0 {
		return r.policy.MaxAttempts
	}
	return err.RetryConfig().MaxRetries + 1
}

// backoff draws the base delay uniformly from the configured range and
// doubles it per completed attempt, bounded by cap.
func (r *RetryableClient) backoff(attempt int, maxDelay time.Duration) time.Duration {
	delay := r.policy.Delay
	if delay.MinMS <= 0 && delay.MaxMS <= 0 {
		delay = DefaultDelay
	}
	lo, hi := delay.Min(), delay.Max()
	if hi < lo {
		hi = lo
	}

	base := lo
	if span := hi - lo; span > 0 {
		r.mu.Lock()
		base += time.Duration(r.rng.Int63n(int64(span) + 1))
		r.mu.Unlock()
	}

	d := base << uint(attempt-1)
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}
