package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	llmmetrics "conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/client"
	"conductor/pkg/config"
	"conductor/pkg/coordinator"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/structurer"
	"conductor/pkg/worker"
)

const (
	// readyTimeout bounds how long a fresh agent waits for the
	// orchestrator endpoint before giving up.
	readyTimeout = 60 * time.Second
	// metricsShutdownGrace drains the agent /metrics listener.
	metricsShutdownGrace = 2 * time.Second
)

// runAgent runs one agent process against the orchestrator. Exit codes:
// 0 clean stop, 1 bad invocation or setup failure, 2 the agent loop
// gave up on an unreachable service.
func runAgent(projectDir, agentArg, serverArg string) int {
	id, err := proto.ParseAgentID(agentArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -agent: %v\n", err)
		return 1
	}
	logger := logx.NewLogger(id.String())

	if err := config.LoadConfig(projectDir); err != nil {
		logger.Error("Failed to load config: %v", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		logger.Error("Failed to get config: %v", err)
		return 1
	}
	if err := unlockSecrets(projectDir, false); err != nil {
		logger.Error("Failed to unlock secrets: %v", err)
		return 1
	}

	serverURL := serverArg
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(serverURL, id)
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	err = api.WaitReady(readyCtx)
	cancel()
	if err != nil {
		logger.Error("Orchestrator at %s not ready: %v", serverURL, err)
		return 2
	}

	var recorder llmmetrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = llmmetrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	}
	provider, err := agent.NewFactory(cfg, recorder, logger).ClientFor(id)
	if err != nil {
		logger.Error("Failed to build provider client: %v", err)
		return 1
	}

	run, err := buildAgent(id, cfg, projectDir, api, provider)
	if err != nil {
		logger.Error("Failed to assemble %s: %v", id, err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return run(gctx)
	})
	if cfg.Metrics.Enabled && cfg.Metrics.AgentPortBase > 0 {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Metrics.AgentPortBase+agentPortOffset(id))
		g.Go(func() error {
			serveAgentMetrics(gctx, addr, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("%s stopped: %v", id, err)
		return 2
	}
	return 0
}

// buildAgent constructs the agent behind id and returns its run
// function. Construction failures (no target, missing templates) are
// setup errors, distinct from a run that gives up.
func buildAgent(id proto.AgentID, cfg config.Config, projectDir string, api *client.Client, provider llm.Client) (func(context.Context) error, error) {
	if role, ok := id.WorkerRole(); ok {
		w, err := worker.New(role, cfg, api, provider)
		if err != nil {
			return nil, err
		}
		return w.Run, nil
	}

	switch id {
	case proto.AgentCoordinator:
		c, err := coordinator.New(cfg, api, provider)
		if err != nil {
			return nil, err
		}
		return c.Run, nil
	case proto.AgentStructurer:
		repo := gateway.New(resolveDir(projectDir, cfg.Paths.RepoDir))
		s, err := structurer.New(cfg, api, repo, provider)
		if err != nil {
			return nil, err
		}
		return s.Run, nil
	default:
		return nil, fmt.Errorf("no runner for agent %s", id)
	}
}

// agentPortOffset gives each agent a stable scrape port next to the
// configured base.
func agentPortOffset(id proto.AgentID) int {
	for i, a := range proto.AllAgents() {
		if a == id {
			return i
		}
	}
	return 0
}

// serveAgentMetrics exposes this process's metric registry for
// scraping until ctx is canceled. Bind failures are logged and
// tolerated: the agent works without scrape, the token report is just
// blind to it.
func serveAgentMetrics(ctx context.Context, addr string, logger *logx.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("Serving agent metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics listener on %s failed: %v", addr, err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownGrace)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		<-done
	case <-done:
	}
}
