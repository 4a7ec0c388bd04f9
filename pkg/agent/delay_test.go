package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
)

func TestPauseZeroRangeReturnsImmediately(t *testing.T) {
	start := time.Now()
	require.NoError(t, Pause(context.Background(), config.DelayRange{}))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPauseStaysWithinRange(t *testing.T) {
	start := time.Now()
	require.NoError(t, Pause(context.Background(), config.DelayRange{MinMS: 1, MaxMS: 20}))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestPauseHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Pause(ctx, config.DelayRange{MinMS: 5000, MaxMS: 10000})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
