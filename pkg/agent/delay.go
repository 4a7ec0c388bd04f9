package agent

import (
	"context"
	"math/rand"
	"time"

	"conductor/pkg/config"
)

// Pause waits a uniform random duration drawn from d, honoring
// cancellation. Agents call it ahead of each provider call so their
// requests never land on a vendor in synchronized bursts. This is
// separate from retry backoff, which only spaces repeat attempts.
func Pause(ctx context.Context, d config.DelayRange) error {
	lo, hi := d.Min(), d.Max()
	if hi < lo {
		hi = lo
	}
	if hi <= 0 {
		return nil
	}
	wait := lo
	if span := hi - lo; span > 0 {
		wait += time.Duration(rand.Int63n(int64(span) + 1))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
