// Package kernel wires the orchestrator service together: the task
// ledger, the push hub, the chart aggregates, the structure snapshot,
// the repository gateway, the agent supervisor, and the web server over
// them. It owns startup order, the event fan-out between components,
// and graceful shutdown.
package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/internal/supervisor"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/gateway"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/stats"
	"conductor/pkg/structure"
	"conductor/pkg/webui"
)

const (
	// ledgerEventBuffer absorbs transition bursts; the ledger drops
	// events past it and subscribers re-sync from the next snapshot.
	ledgerEventBuffer = 256
	// gitPollInterval paces the recent-commit feed behind the git
	// activity chart.
	gitPollInterval  = 30 * time.Second
	gitActivityDepth = 20
	// shutdownDrain bounds the wait for the web server to finish
	// in-flight requests before the aggregate store closes under them.
	shutdownDrain = 10 * time.Second
)

// Kernel manages the orchestrator's shared infrastructure. One kernel
// runs per service process; agent processes never construct one.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Run-lifetime parent for kernel workers
	cancel context.CancelFunc

	Config config.Config
	Logger *logx.Logger

	Ledger     *ledger.Ledger
	Hub        *events.Hub
	Stats      *stats.Store
	Structure  *structure.Store
	Repo       *gateway.Gateway
	Tokens     metrics.Source
	Supervisor *supervisor.Supervisor
	WebServer  *webui.Server

	ledgerEvents chan ledger.Event
	wg           sync.WaitGroup
	projectDir   string
	running      bool
}

// New creates a kernel from the loaded configuration. Call Start to
// bring the services up and Stop to tear them down.
func New(parent context.Context, projectDir string) (*Kernel, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration is not loaded: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:        ctx,
		cancel:     cancel,
		Config:     cfg,
		Logger:     logx.NewLogger("kernel"),
		projectDir: projectDir,
	}

	if err := k.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

// initializeServices constructs every component and wires the fan-out
// paths between them. Nothing is running yet when it returns.
func (k *Kernel) initializeServices() error {
	cfg := k.Config

	k.Ledger = ledger.New(ledger.Options{
		SoftCap:     cfg.Queues.SoftCap,
		PollTimeout: cfg.Queues.PollTimeout(),
		LeaseFor:    cfg.ClaimLeaseFor,
		// One attempt above the refinement budget, so the lease sweep
		// never fails a subtask the coordinator still wants to refine.
		MaxAttempts: cfg.Agents.Coordinator.MaxRefinements + 1,
	})

	k.Hub = events.NewHub(events.Options{
		Buffer:       cfg.Events.SubscriberBuffer,
		SendTimeout:  cfg.Events.SendTimeout(),
		PingInterval: cfg.Events.PingInterval(),
	})

	st, err := stats.New(stats.Options{HistoryLength: cfg.HistoryLength})
	if err != nil {
		return fmt.Errorf("failed to open aggregate store: %w", err)
	}
	k.Stats = st

	k.Structure = structure.NewStore()

	repoDir := cfg.Paths.RepoDir
	if !filepath.IsAbs(repoDir) {
		repoDir = filepath.Join(k.projectDir, repoDir)
	}
	k.Repo = gateway.New(repoDir)

	k.Tokens = k.tokenSource()

	k.Supervisor = supervisor.New(supervisor.Options{
		ServerURL: k.serverURL(),
		Dir:       k.projectDir,
	})

	k.WebServer = webui.NewServer(webui.Deps{
		Ledger:    k.Ledger,
		Hub:       k.Hub,
		Structure: k.Structure,
		Repo:      k.Repo,
		Stats:     k.Stats,
		Tokens:    k.Tokens,
		Agents:    k.Supervisor,
	})

	k.Hub.SetSnapshot(k.fullStatus)
	k.Supervisor.SetNotify(k.broadcastAgentStatus)
	k.ledgerEvents = make(chan ledger.Event, ledgerEventBuffer)
	k.Ledger.SetNotifyChannel(k.ledgerEvents)

	k.Logger.Info("Kernel services initialized")
	return nil
}

// tokenSource picks where token accounting reads from: the configured
// Prometheus server, or the in-process registry the provider middleware
// writes to when none is configured.
func (k *Kernel) tokenSource() metrics.Source {
	if url := k.Config.Metrics.PrometheusURL; url != "" {
		src, err := metrics.NewQueryService(url)
		if err == nil {
			return src
		}
		k.Logger.Warn("Invalid prometheus_url %q, using in-process metrics: %v", url, err)
	}
	return metrics.NewGathererSource(prometheus.DefaultGatherer)
}

// serverURL is the endpoint handed to agent processes: the advertised
// URL when configured, otherwise the web listener address.
func (k *Kernel) serverURL() string {
	if k.Config.ServerURL != "" {
		return k.Config.ServerURL
	}
	host := k.Config.WebUI.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, k.Config.WebUI.Port)
}

// Start brings the services up: repository first, then the aggregate
// drain, the sweeper and fan-out workers, and the supervisor last so
// agents only ever see a ready service. The web listener is separate;
// call StartWeb once Start returns.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	k.Logger.Info("Starting kernel services...")

	if err := k.Repo.Init(k.ctx); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	k.Stats.Start()

	k.wg.Add(3)
	go func() {
		defer k.wg.Done()
		k.Ledger.Run(k.ctx)
	}()
	go func() {
		defer k.wg.Done()
		k.fanOutLedgerEvents()
	}()
	go func() {
		defer k.wg.Done()
		k.pollGitActivity()
	}()

	logx.RegisterSink(k.streamLogLine)
	k.Supervisor.Start(k.ctx)

	k.running = true
	k.Logger.Info("Kernel services started")
	return nil
}

// StartWeb binds the HTTP front on the configured address. A bind
// failure surfaces synchronously.
func (k *Kernel) StartWeb() error {
	cfg := k.Config.WebUI
	if err := k.WebServer.Start(k.ctx, cfg.Host, cfg.Port); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}
	return nil
}

// Stop shuts everything down in reverse dependency order. Agents go
// first, while the web server still accepts their final reports; then
// the kernel workers; then the web server drains; the aggregate store
// closes last because handlers record into it until the drain ends.
func (k *Kernel) Stop() error {
	if !k.running {
		return nil
	}
	k.Logger.Info("Stopping kernel services...")

	k.Supervisor.StopAll()

	k.cancel()
	k.wg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer drainCancel()
	if err := k.WebServer.AwaitShutdown(drainCtx); err != nil {
		k.Logger.Warn("Web server drain incomplete: %v", err)
	}

	logx.ResetSinks()

	if err := k.Stats.Close(); err != nil {
		k.Logger.Error("Error closing aggregate store: %v", err)
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

// ProjectDir returns the directory the service was started in.
func (k *Kernel) ProjectDir() string {
	return k.projectDir
}

// fullStatus composes the complete operator view. The hub calls it on
// attach, on explicit full-status requests, and when a slow subscriber
// overflows. It must not log: the hub may invoke it under a
// subscription lock, and the log sink broadcasts.
func (k *Kernel) fullStatus() proto.PushMessage {
	msg := proto.PushMessage{
		Type:        proto.MsgFullStatus,
		AgentStatus: k.Supervisor.RunStates(),
		Queues:      k.Ledger.AllQueues(),
		Subtasks:    k.Ledger.SubtaskStatuses(),
		Structure:   k.Structure.Snapshot(),
	}

	agg, err := k.Stats.Aggregates()
	if err != nil {
		return msg
	}
	msg.ProcessedOverTime = agg.ProcessedOverTime
	msg.TaskStatusDistribution = agg.TaskStatusDistribution
	msg.GitActivity = agg.GitActivity
	progress := agg.Progress
	msg.Progress = &progress
	return msg
}

// broadcastAgentStatus pushes fresh run-states after a supervisor
// transition.
func (k *Kernel) broadcastAgentStatus() {
	k.Hub.Broadcast(proto.PushMessage{
		Type:        proto.MsgStatus,
		AgentStatus: k.Supervisor.RunStates(),
	})
}

// streamLogLine forwards every captured log line to push subscribers.
func (k *Kernel) streamLogLine(entry logx.LogEntry) {
	k.Hub.Broadcast(proto.PushMessage{Type: proto.MsgLog, LogLine: entry.Line})
}

// fanOutLedgerEvents turns ledger transitions into push deltas and
// chart samples. Delivery is best-effort: a dropped event only delays
// the UI until the next transition or full snapshot.
func (k *Kernel) fanOutLedgerEvents() {
	for {
		select {
		case <-k.ctx.Done():
			return
		case ev := <-k.ledgerEvents:
			k.applyLedgerEvent(ev)
		}
	}
}

func (k *Kernel) applyLedgerEvent(ev ledger.Event) {
	if ev.Kind == ledger.EventReset {
		// The clear handler broadcasts the fresh snapshot itself.
		return
	}

	k.Hub.Broadcast(proto.PushMessage{
		Type:     proto.MsgStatus,
		Subtasks: map[string]proto.Status{ev.SubtaskID: ev.Status},
	})
	k.Hub.Broadcast(proto.PushMessage{
		Type:   proto.MsgQueue,
		Queues: k.Ledger.AllQueues(),
	})

	dist := k.Ledger.StatusDistribution()
	total := 0
	for _, n := range dist {
		total += n
	}
	k.Stats.Record(stats.Event{
		Op:           stats.OpLedgerSnapshot,
		Distribution: dist,
		Accepted:     dist[proto.StatusAccepted],
		Total:        total,
	})
	if ev.Kind == ledger.EventReported {
		k.Stats.Record(stats.Event{Op: stats.OpReportProcessed})
	}
}

// pollGitActivity keeps the git activity chart fed with the
// repository's recent commits.
func (k *Kernel) pollGitActivity() {
	k.refreshGitActivity()

	ticker := time.NewTicker(gitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.refreshGitActivity()
		}
	}
}

func (k *Kernel) refreshGitActivity() {
	commits, err := k.Repo.RecentCommits(k.ctx, gitActivityDepth)
	if err != nil {
		// Expected before the first commit lands.
		k.Logger.Debug("Recent commits unavailable: %v", err)
		return
	}
	k.Stats.Record(stats.Event{Op: stats.OpGitActivity, Commits: commits})
}
