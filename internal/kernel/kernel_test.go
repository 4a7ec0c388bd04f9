package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/mocks"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/structure"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()

	require.NoError(t, config.LoadConfig(t.TempDir()))
	t.Cleanup(func() { config.SetConfigForTesting(nil) })

	k, err := New(context.Background(), t.TempDir())
	require.NoError(t, err)
	// Mocked git keeps the tests independent of the git binary.
	k.Repo = gateway.NewWithRunner(t.TempDir(), mocks.NewMockGitRunner())
	return k
}

// nextOfType drains sub frames until one of the wanted type arrives.
// Interleaved log frames from the kernel's own logging are skipped.
func nextOfType(t *testing.T, sub *events.Subscription, want proto.MsgType) proto.PushMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		msg, err := sub.Next(ctx)
		require.NoError(t, err, "waiting for %s frame", want)
		if msg.Type == want {
			return msg
		}
	}
}

func TestNewInitializesComponents(t *testing.T) {
	k := newTestKernel(t)
	defer func() { _ = k.Stats.Close() }()

	assert.NotNil(t, k.Ledger)
	assert.NotNil(t, k.Hub)
	assert.NotNil(t, k.Stats)
	assert.NotNil(t, k.Structure)
	assert.NotNil(t, k.Repo)
	assert.NotNil(t, k.Tokens)
	assert.NotNil(t, k.Supervisor)
	assert.NotNil(t, k.WebServer)
	assert.NotNil(t, k.Logger)
}

func TestNewRequiresLoadedConfig(t *testing.T) {
	config.SetConfigForTesting(nil)

	_, err := New(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration")
}

func TestKernelLifecycle(t *testing.T) {
	k := newTestKernel(t)

	require.NoError(t, k.Start())
	assert.True(t, k.running)

	err := k.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, k.Stop())
	assert.False(t, k.running)

	// Stopping twice is safe.
	require.NoError(t, k.Stop())
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	k := newTestKernel(t)
	defer func() { _ = k.Stats.Close() }()

	require.NoError(t, k.Stop())
}

func TestLedgerEventsReachSubscribers(t *testing.T) {
	k := newTestKernel(t)
	require.NoError(t, k.Start())
	defer func() { require.NoError(t, k.Stop()) }()

	sub := k.Hub.Attach()
	defer k.Hub.Detach(sub)

	// The attach snapshot comes first.
	snap := nextOfType(t, sub, proto.MsgFullStatus)
	assert.Empty(t, snap.Subtasks)

	id, err := k.Ledger.Enqueue(proto.Subtask{
		Role:     proto.RoleExecutor,
		Filename: "add.py",
		Text:     "Implement add(a, b).",
	})
	require.NoError(t, err)

	status := nextOfType(t, sub, proto.MsgStatus)
	assert.Equal(t, proto.StatusPending, status.Subtasks[id])

	queues := nextOfType(t, sub, proto.MsgQueue)
	require.Len(t, queues.Queues[proto.RoleExecutor], 1)
	assert.Equal(t, "add.py", queues.Queues[proto.RoleExecutor][0].Filename)

	// The same transition lands in the chart aggregates.
	require.Eventually(t, func() bool {
		agg, err := k.Stats.Aggregates()
		return err == nil && agg.TaskStatusDistribution[proto.StatusPending] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullStatusComposesComponents(t *testing.T) {
	k := newTestKernel(t)
	defer func() { _ = k.Stats.Close() }()

	k.Structure.Set(proto.Tree{"pkg": {"add.py": nil}})
	id, err := k.Ledger.Enqueue(proto.Subtask{
		Role:     proto.RoleTester,
		Filename: "add.py",
		Text:     "Write tests for add.",
	})
	require.NoError(t, err)

	msg := k.fullStatus()

	assert.Equal(t, proto.MsgFullStatus, msg.Type)
	assert.Len(t, msg.AgentStatus, len(proto.AllAgents()))
	assert.Equal(t, proto.StatusPending, msg.Subtasks[id])
	require.Len(t, msg.Queues[proto.RoleTester], 1)
	assert.Equal(t, 1, structure.CountFiles(msg.Structure))
	require.NotNil(t, msg.Progress)
	assert.Equal(t, 0, msg.Progress.Total)
}

func TestAgentStatusBroadcast(t *testing.T) {
	k := newTestKernel(t)
	require.NoError(t, k.Start())
	defer func() { require.NoError(t, k.Stop()) }()

	sub := k.Hub.Attach()
	defer k.Hub.Detach(sub)
	nextOfType(t, sub, proto.MsgFullStatus)

	k.broadcastAgentStatus()

	msg := nextOfType(t, sub, proto.MsgStatus)
	assert.Len(t, msg.AgentStatus, len(proto.AllAgents()))
	assert.False(t, msg.AgentStatus[proto.AgentCoordinator].Running)
}

func TestLogLinesStreamToSubscribers(t *testing.T) {
	k := newTestKernel(t)
	require.NoError(t, k.Start())
	defer func() { require.NoError(t, k.Stop()) }()

	sub := k.Hub.Attach()
	defer k.Hub.Detach(sub)
	nextOfType(t, sub, proto.MsgFullStatus)

	logx.NewLogger("kernel-probe").Info("breadcrumb for the push channel")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		msg, err := sub.Next(ctx)
		require.NoError(t, err, "waiting for the log frame")
		if msg.Type == proto.MsgLog && strings.Contains(msg.LogLine, "breadcrumb for the push channel") {
			break
		}
	}
}

func TestServerURL(t *testing.T) {
	k := &Kernel{Config: config.Config{ServerURL: "http://orchestrator:9000"}}
	assert.Equal(t, "http://orchestrator:9000", k.serverURL())

	k = &Kernel{Config: config.Config{WebUI: config.WebUIConfig{Host: "0.0.0.0", Port: 8080}}}
	assert.Equal(t, "http://127.0.0.1:8080", k.serverURL())

	k = &Kernel{Config: config.Config{WebUI: config.WebUIConfig{Host: "10.1.2.3", Port: 9001}}}
	assert.Equal(t, "http://10.1.2.3:9001", k.serverURL())
}

func TestTokenSourceSelection(t *testing.T) {
	k := &Kernel{
		Config: config.Config{Metrics: config.MetricsConfig{PrometheusURL: "http://prometheus:9090"}},
		Logger: logx.NewLogger("kernel"),
	}
	_, ok := k.tokenSource().(*metrics.QueryService)
	assert.True(t, ok, "a configured prometheus_url selects the query service")

	k = &Kernel{Config: config.Config{}, Logger: logx.NewLogger("kernel")}
	_, ok = k.tokenSource().(*metrics.GathererSource)
	assert.True(t, ok, "without prometheus_url token accounting reads in-process metrics")
}
