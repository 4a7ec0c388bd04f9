// Package webui serves the orchestrator's HTTP surface: the agent plane
// (enqueue, claim, report, structure), the operator control plane
// (lifecycle, config, clear), and the websocket push channel that feeds
// the dashboard.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/gateway"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/stats"
	"conductor/pkg/structure"
)

// shutdownTimeout bounds the drain of in-flight requests on stop.
const shutdownTimeout = 5 * time.Second

// Lifecycle starts and stops the supervised agent processes. The
// supervisor implements it; tests substitute a fake.
type Lifecycle interface {
	StartAgent(id proto.AgentID) error
	StopAgent(id proto.AgentID) error
	RunStates() map[proto.AgentID]proto.RunState
}

// Deps are the orchestrator components the web layer exposes. Ledger,
// Hub, Structure, and Repo are required; the others degrade: a nil
// Tokens disables token accounting, a nil Agents disables lifecycle
// control, a nil Stats omits chart aggregates.
type Deps struct {
	Ledger    *ledger.Ledger
	Hub       *events.Hub
	Structure *structure.Store
	Repo      *gateway.Gateway
	Stats     *stats.Store
	Tokens    metrics.Source
	Agents    Lifecycle
	Gatherer  prometheus.Gatherer
}

// Server is the orchestrator's HTTP front. One instance serves agents,
// operators, and push subscribers on the same listener.
type Server struct {
	ledger    *ledger.Ledger
	hub       *events.Hub
	structure *structure.Store
	repo      *gateway.Gateway
	stats     *stats.Store
	tokens    metrics.Source
	agents    Lifecycle
	gatherer  prometheus.Gatherer
	logger    *logx.Logger
	down      chan struct{}
}

// NewServer creates a server over the given components.
func NewServer(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		ledger:    deps.Ledger,
		hub:       deps.Hub,
		structure: deps.Structure,
		repo:      deps.Repo,
		stats:     deps.Stats,
		tokens:    deps.Tokens,
		agents:    deps.Agents,
		gatherer:  deps.Gatherer,
		logger:    logx.NewLogger("webui"),
	}
}

// RegisterRoutes attaches every endpoint to mux. The agent plane stays
// open: worker processes carry no credential and are trusted by
// deployment. The operator plane is gated by requireAuth.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Agent plane.
	mux.HandleFunc("POST /subtask", s.handleEnqueueSubtask)
	mux.HandleFunc("GET /task/{role}", s.handleClaimTask)
	mux.HandleFunc("POST /report", s.handleSubmitReport)
	mux.HandleFunc("POST /structure", s.handlePostStructure)
	mux.HandleFunc("GET /structure", s.handleGetStructure)
	mux.HandleFunc("GET /subtasks", s.handleSubtasks)
	mux.HandleFunc("GET /report/{id}", s.handleReportFor)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /accept", s.handleAccept)
	mux.HandleFunc("POST /reject", s.handleReject)
	mux.HandleFunc("POST /mark_failed", s.handleMarkFailed)
	mux.HandleFunc("POST /structurer_report", s.handleStructurerReport)
	mux.HandleFunc("GET /file_content", s.handleFileContent)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Operator plane.
	mux.HandleFunc("GET /status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("GET /queues", s.requireAuth(s.handleQueues))
	mux.HandleFunc("GET /config", s.requireAuth(s.handleGetConfig))
	mux.HandleFunc("POST /update_config", s.requireAuth(s.handleUpdateConfig))
	mux.HandleFunc("POST /update_config_item", s.requireAuth(s.handleUpdateConfigItem))
	mux.HandleFunc("GET /logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("POST /clear", s.requireAuth(s.handleClear))
	mux.HandleFunc("POST /clear_repo", s.requireAuth(s.handleClearRepo))
	for alias, ids := range agentAliases {
		mux.HandleFunc("POST /start_"+alias, s.requireAuth(s.lifecycleHandler(alias+" started", ids, s.startAgent)))
		mux.HandleFunc("POST /stop_"+alias, s.requireAuth(s.lifecycleHandler(alias+" stopped", ids, s.stopAgent)))
	}
	mux.HandleFunc("POST /start_all", s.requireAuth(s.lifecycleHandler("all agents started", proto.AllAgents(), s.startAgent)))
	mux.HandleFunc("POST /stop_all", s.requireAuth(s.lifecycleHandler("all agents stopped", proto.AllAgents(), s.stopAgent)))

	// Observability.
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /metrics/tokens", s.requireAuth(s.handleTokenMetrics))
	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWS))
}

// Handler returns the fully routed handler, for Start and for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start binds host:port and serves in the background until ctx ends. A
// bind failure is returned synchronously so the caller can abort
// startup instead of discovering a dead listener later.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	down := make(chan struct{})
	s.down = down

	go func() {
		s.logger.Info("Web server listening on http://%s", addr)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server failed: %v", err)
		}
	}()

	go func() {
		defer close(down)
		<-ctx.Done()
		s.logger.Info("Shutting down web server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Web server shutdown incomplete: %v", err)
		}
	}()

	return nil
}

// AwaitShutdown blocks until the server started by Start has finished
// draining, so callers can sequence teardown of the components handlers
// still touch. Returns immediately when Start was never called.
func (s *Server) AwaitShutdown(ctx context.Context) error {
	if s.down == nil {
		return nil
	}
	select {
	case <-s.down:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requireAuth wraps a handler with basic auth when credentials are
// configured. Without configured credentials (or before LoadConfig)
// the wrapper is a pass-through.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := config.GetConfig()
		if err != nil || cfg.WebUI.AuthUser == "" || cfg.WebUI.AuthPass == "" {
			next(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.WebUI.AuthUser)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.WebUI.AuthPass)) == 1
		if !ok || !userOK || !passOK {
			s.logger.Warn("Rejected unauthorized request to %s from %s", r.URL.Path, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="conductor"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// writeJSON encodes v as the response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// writeError sends a JSON error body with the given status.
func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, proto.ErrorBody{Error: msg})
}

// decodeJSON parses the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ledgerStatus maps ledger errors onto HTTP statuses. Non-sentinel
// ledger errors are invalid transitions, which are conflicts, not
// server faults.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnknownSubtask):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnknownRole):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusConflict
	}
}

// handleHealth answers liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "ok"})
}
