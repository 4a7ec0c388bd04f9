package webui

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/stats"
)

// agentAliases maps the operator-facing agent names onto the processes
// they control. ai2 covers all three role workers.
var agentAliases = map[string][]proto.AgentID{
	"ai1": {proto.AgentCoordinator},
	"ai2": {proto.AgentExecutor, proto.AgentTester, proto.AgentDocumenter},
	"ai3": {proto.AgentStructurer},
}

// statusBody is the GET /status response and the lifecycle ack body.
type statusBody struct {
	Status      string                           `json:"status,omitempty"`
	AgentStatus map[proto.AgentID]proto.RunState `json:"ai_status"`
}

// queuesBody is the GET /queues response: pending tasks per role plus
// how many subtasks each role currently has in flight.
type queuesBody struct {
	Queues     map[proto.Role][]proto.QueueTask `json:"queues"`
	Processing map[proto.Role]int               `json:"processing"`
}

// configItemRequest is the POST /update_config_item body.
type configItemRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// logsBody is the GET /logs response.
type logsBody struct {
	Logs []logx.LogEntry `json:"logs"`
}

func (s *Server) startAgent(id proto.AgentID) error { return s.agents.StartAgent(id) }
func (s *Server) stopAgent(id proto.AgentID) error  { return s.agents.StopAgent(id) }

// lifecycleHandler builds the handler for one start/stop endpoint. All
// listed agents are driven; the first failures are reported together.
func (s *Server) lifecycleHandler(ack string, ids []proto.AgentID, op func(proto.AgentID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.agents == nil {
			s.writeError(w, http.StatusServiceUnavailable, "supervisor not running")
			return
		}

		var failed []string
		for _, id := range ids {
			if err := op(id); err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", id, err))
			}
		}
		if len(failed) > 0 {
			s.writeError(w, http.StatusInternalServerError, strings.Join(failed, "; "))
			return
		}

		states := s.agents.RunStates()
		s.hub.Broadcast(proto.PushMessage{Type: proto.MsgStatus, AgentStatus: states})
		s.logger.Info("Lifecycle change: %s", ack)
		s.writeJSON(w, http.StatusOK, statusBody{Status: ack, AgentStatus: states})
	}
}

// handleStatus returns agent run-states without requiring the push
// channel.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	states := map[proto.AgentID]proto.RunState{}
	if s.agents != nil {
		states = s.agents.RunStates()
	}
	s.writeJSON(w, http.StatusOK, statusBody{AgentStatus: states})
}

// handleQueues returns every role's pending backlog plus in-flight
// counts.
func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	processing := make(map[proto.Role]int, len(proto.AllRoles()))
	for _, role := range proto.AllRoles() {
		processing[role] = 0
	}
	for _, sub := range s.ledger.Subtasks() {
		if sub.Status == proto.StatusProcessing {
			processing[sub.Role]++
		}
	}
	s.writeJSON(w, http.StatusOK, queuesBody{Queues: s.ledger.AllQueues(), Processing: processing})
}

// handleGetConfig serves the current configuration document. Together
// with POST /update_config it round-trips the whole record.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, err := config.GetConfig()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateConfig replaces the whole configuration document.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := config.UpdateConfig(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("Configuration replaced by operator")
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "config updated"})
}

// handleUpdateConfigItem sets one dotted config key.
func (s *Server) handleUpdateConfigItem(w http.ResponseWriter, r *http.Request) {
	var req configItemRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "config key is required")
		return
	}

	if err := config.UpdateConfigItem(req.Key, req.Value); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "config item updated", ID: req.Key})
}

// handleClear resets the pipeline: ledger, queues, chart aggregates,
// and the log tail. The structure snapshot survives because the
// repository it mirrors is untouched; /clear_repo handles that side.
func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.logger.Warn("Clearing pipeline state: ledger, queues, aggregates, log tail")

	s.ledger.Reset()
	if s.stats != nil {
		s.stats.Record(stats.Event{Op: stats.OpReset})
	}
	logx.ClearTail()
	if err := logx.TruncateLogFile(); err != nil {
		s.logger.Warn("Failed to truncate log file: %v", err)
	}

	if snap, ok := s.hub.Snapshot(); ok {
		s.hub.Broadcast(snap)
	}
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "state cleared"})
}

// handleClearRepo deletes the working tree and re-initializes an empty
// repository. The structurer re-materializes from the next agreed tree.
func (s *Server) handleClearRepo(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("Clearing repository at operator request")

	if err := s.repo.Reset(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to reset repository: %v", err))
		return
	}

	s.structure.Clear()
	s.hub.Broadcast(proto.PushMessage{Type: proto.MsgStructure, Structure: proto.Tree{}})
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "repository cleared"})
}

// handleTokenMetrics serves aggregated token usage per agent.
func (s *Server) handleTokenMetrics(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		s.writeError(w, http.StatusServiceUnavailable, "token accounting not configured")
		return
	}

	report, err := s.tokens.TokenReport(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build token report: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleLogs serves the in-memory log tail, newest last. Query params:
// agent filters by source; since (RFC3339) drops older entries.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	const limit = 1000

	agent := r.URL.Query().Get("agent")
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since timestamp: %v", err))
			return
		}
		since = parsed
	}

	entries := logx.RecentEntries(limit)
	filtered := make([]logx.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if agent != "" && entry.AgentID != agent {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(time.RFC3339, entry.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		filtered = append(filtered, entry)
	}

	s.writeJSON(w, http.StatusOK, logsBody{Logs: filtered})
	s.logger.Debug("Served %d log entries", len(filtered))
}
