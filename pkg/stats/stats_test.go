package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

// minute-aligned so the per-minute coalescing in Aggregates is exact.
var base = time.Unix(1_700_000_400, 0).UTC()

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAggregatesOnFreshStore(t *testing.T) {
	s := newStore(t, Options{})

	agg, err := s.Aggregates()
	require.NoError(t, err)

	assert.Empty(t, agg.ProcessedOverTime)
	assert.Empty(t, agg.TaskStatusDistribution)
	assert.Empty(t, agg.GitActivity)
	assert.Zero(t, agg.Progress.Accepted)
	assert.Zero(t, agg.Progress.Total)
	assert.Zero(t, agg.Progress.Percent)
}

func TestProcessedSeriesCoalescesPerMinute(t *testing.T) {
	s := newStore(t, Options{})

	s.apply(Event{Op: OpReportProcessed, At: base})
	s.apply(Event{Op: OpReportProcessed, At: base.Add(10 * time.Second)})
	s.apply(Event{Op: OpReportProcessed, At: base.Add(70 * time.Second)})

	agg, err := s.Aggregates()
	require.NoError(t, err)

	require.Len(t, agg.ProcessedOverTime, 2)
	assert.Equal(t, base, agg.ProcessedOverTime[0].At)
	assert.Equal(t, 2, agg.ProcessedOverTime[0].Count, "two reports landed in the first minute")
	assert.Equal(t, base.Add(time.Minute), agg.ProcessedOverTime[1].At)
	assert.Equal(t, 3, agg.ProcessedOverTime[1].Count, "the series is cumulative")
}

func TestProcessedSeriesBoundedByHistoryLength(t *testing.T) {
	s := newStore(t, Options{HistoryLength: 3})

	for i := 0; i < 5; i++ {
		s.apply(Event{Op: OpReportProcessed, At: base.Add(time.Duration(i) * time.Minute)})
	}

	agg, err := s.Aggregates()
	require.NoError(t, err)

	require.Len(t, agg.ProcessedOverTime, 3)
	assert.Equal(t, 3, agg.ProcessedOverTime[0].Count)
	assert.Equal(t, 5, agg.ProcessedOverTime[2].Count)
	assert.True(t, agg.ProcessedOverTime[0].At.Before(agg.ProcessedOverTime[2].At))
}

func TestLedgerSnapshotReplacesDistributionAndProgress(t *testing.T) {
	s := newStore(t, Options{})

	s.apply(Event{
		Op:           OpLedgerSnapshot,
		Distribution: map[proto.Status]int{proto.StatusPending: 4, proto.StatusProcessing: 1},
		Accepted:     0,
		Total:        5,
	})
	s.apply(Event{
		Op:           OpLedgerSnapshot,
		Distribution: map[proto.Status]int{proto.StatusPending: 2, proto.StatusAccepted: 3},
		Accepted:     3,
		Total:        5,
	})

	agg, err := s.Aggregates()
	require.NoError(t, err)

	assert.Equal(t, map[proto.Status]int{proto.StatusPending: 2, proto.StatusAccepted: 3}, agg.TaskStatusDistribution)
	assert.Equal(t, 3, agg.Progress.Accepted)
	assert.Equal(t, 5, agg.Progress.Total)
	assert.InDelta(t, 60.0, agg.Progress.Percent, 0.001)
}

func TestGitActivityNewestFirst(t *testing.T) {
	s := newStore(t, Options{})

	s.apply(Event{Op: OpGitActivity, Commits: []proto.CommitInfo{
		{Hash: "aaa111", Message: "Created initial project structure", When: base},
		{Hash: "bbb222", Message: "Executor code update for add.py (Subtask: s-1)", When: base.Add(time.Minute)},
	}})

	agg, err := s.Aggregates()
	require.NoError(t, err)

	require.Len(t, agg.GitActivity, 2)
	assert.Equal(t, "bbb222", agg.GitActivity[0].Hash)
	assert.Equal(t, "aaa111", agg.GitActivity[1].Hash)
	assert.Equal(t, base, agg.GitActivity[1].When)
}

func TestGitActivityReplacedWholesale(t *testing.T) {
	s := newStore(t, Options{})

	s.apply(Event{Op: OpGitActivity, Commits: []proto.CommitInfo{
		{Hash: "aaa111", Message: "first", When: base},
	}})
	s.apply(Event{Op: OpGitActivity, Commits: []proto.CommitInfo{
		{Hash: "ccc333", Message: "second", When: base.Add(2 * time.Minute)},
	}})

	agg, err := s.Aggregates()
	require.NoError(t, err)

	require.Len(t, agg.GitActivity, 1)
	assert.Equal(t, "ccc333", agg.GitActivity[0].Hash)
}

func TestResetClearsEveryAggregate(t *testing.T) {
	s := newStore(t, Options{})

	s.apply(Event{Op: OpReportProcessed, At: base})
	s.apply(Event{Op: OpLedgerSnapshot, Distribution: map[proto.Status]int{proto.StatusPending: 1}, Total: 1})
	s.apply(Event{Op: OpGitActivity, Commits: []proto.CommitInfo{{Hash: "aaa", Message: "m", When: base}}})

	s.apply(Event{Op: OpReset})

	agg, err := s.Aggregates()
	require.NoError(t, err)
	assert.Empty(t, agg.ProcessedOverTime)
	assert.Empty(t, agg.TaskStatusDistribution)
	assert.Empty(t, agg.GitActivity)
	assert.Zero(t, agg.Progress.Total)

	// The cumulative counter restarts too.
	s.apply(Event{Op: OpReportProcessed, At: base.Add(time.Hour)})
	agg, err = s.Aggregates()
	require.NoError(t, err)
	require.Len(t, agg.ProcessedOverTime, 1)
	assert.Equal(t, 1, agg.ProcessedOverTime[0].Count)
}

func TestRecordDrainsThroughWorker(t *testing.T) {
	s, err := New(Options{Buffer: 8})
	require.NoError(t, err)
	s.Start()

	s.Record(Event{Op: OpReportProcessed})
	s.Record(Event{Op: OpLedgerSnapshot, Distribution: map[proto.Status]int{proto.StatusAccepted: 1}, Accepted: 1, Total: 1})

	require.Eventually(t, func() bool {
		agg, err := s.Aggregates()
		if err != nil {
			return false
		}
		return len(agg.ProcessedOverTime) == 1 && agg.Progress.Accepted == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
}

func TestCloseDrainsPendingEvents(t *testing.T) {
	s, err := New(Options{Buffer: 8})
	require.NoError(t, err)
	s.Start()

	for i := 0; i < 5; i++ {
		s.Record(Event{Op: OpReportProcessed, At: base.Add(time.Duration(i) * time.Second)})
	}
	// Close waits for the worker to finish the queue before closing the
	// database, so nothing recorded above is lost.
	require.NoError(t, s.Close())
}
