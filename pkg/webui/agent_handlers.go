package webui

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"conductor/pkg/gateway"
	"conductor/pkg/proto"
	"conductor/pkg/structure"
)

// claimBody is the 200 response for a claim: a subtask when one was
// handed out, an idle message when the queue stayed empty.
type claimBody struct {
	Subtask *proto.Subtask `json:"subtask,omitempty"`
	Message string         `json:"message,omitempty"`
}

// subtasksBody is the GET /subtasks response.
type subtasksBody struct {
	Subtasks map[string]proto.Subtask `json:"subtasks"`
}

// reportBody is the GET /report/{id} response.
type reportBody struct {
	Report proto.Report `json:"report"`
}

// handleEnqueueSubtask accepts one subtask from the coordinator and
// appends it to its role queue.
func (s *Server) handleEnqueueSubtask(w http.ResponseWriter, r *http.Request) {
	var env proto.SubtaskEnvelope
	if err := decodeJSON(r, &env); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := env.Subtask
	if sub.Filename == "" || strings.TrimSpace(sub.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "subtask requires filename and text")
		return
	}
	if !gateway.SafeRelPath(sub.Filename) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid filename (unsafe path): %s", sub.Filename))
		return
	}

	id, err := s.ledger.Enqueue(sub)
	if err != nil {
		s.writeError(w, ledgerStatus(err), err.Error())
		return
	}

	s.logger.Info("Received subtask for %s: %s (id %s)", sub.Role, sub.Filename, id)
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "subtask received", ID: id})
}

// handleClaimTask hands the next pending subtask to a role worker. The
// call parks on the ledger up to the worker poll timeout; an empty
// queue answers 200 with an idle message so workers can long-poll.
func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	role, err := proto.ParseRole(r.PathValue("role"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Worker identity is the role's agent id; there is one worker
	// process per role and heartbeats arrive under the same name.
	sub, err := s.ledger.Claim(r.Context(), role, role.String())
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away while parked; nothing to answer.
			return
		}
		s.writeError(w, ledgerStatus(err), err.Error())
		return
	}
	if sub == nil {
		s.writeJSON(w, http.StatusOK, claimBody{Message: fmt.Sprintf("No tasks available for %s", role)})
		return
	}

	s.logger.Info("Handed subtask %s (%s) to the %s worker", sub.ID, sub.Filename, role)
	s.writeJSON(w, http.StatusOK, claimBody{Subtask: sub})
}

// handleSubmitReport records a worker's report and advances the subtask
// to code_received. Structurer persistence and coordinator validation
// both read it back from the ledger.
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var rep proto.Report
	if err := decodeJSON(r, &rep); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rep.SubtaskID == "" {
		s.writeError(w, http.StatusBadRequest, "report requires subtask_id")
		return
	}
	if _, ok := proto.ValidateReportType(string(rep.Type)); !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown report type: %s", rep.Type))
		return
	}

	if err := s.ledger.Report(rep); err != nil {
		s.writeError(w, ledgerStatus(err), err.Error())
		return
	}

	s.logger.Info("Received %s report for subtask %s (%s)", rep.Type, rep.SubtaskID, rep.Filename)
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "report received", ID: rep.SubtaskID})
}

// handlePostStructure replaces the structure snapshot and pushes the
// delta to subscribers.
func (s *Server) handlePostStructure(w http.ResponseWriter, r *http.Request) {
	var body proto.StructurePost
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Structure == nil {
		s.writeError(w, http.StatusBadRequest, "structure is required")
		return
	}

	s.structure.Set(body.Structure)
	s.hub.Broadcast(proto.PushMessage{Type: proto.MsgStructure, Structure: s.structure.Snapshot()})

	s.logger.Info("Structure snapshot replaced (%d files)", structure.CountFiles(body.Structure))
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "structure received"})
}

// handleGetStructure returns the current snapshot; empty when none has
// been posted yet.
func (s *Server) handleGetStructure(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, proto.StructurePost{Structure: s.structure.Snapshot()})
}

// handleSubtasks returns the whole ledger keyed by subtask id.
func (s *Server) handleSubtasks(w http.ResponseWriter, _ *http.Request) {
	subs := s.ledger.Subtasks()
	byID := make(map[string]proto.Subtask, len(subs))
	for _, sub := range subs {
		byID[sub.ID] = sub
	}
	s.writeJSON(w, http.StatusOK, subtasksBody{Subtasks: byID})
}

// handleReportFor returns the most recent report for one subtask.
func (s *Server) handleReportFor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, ok := s.ledger.ReportFor(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no report for subtask %s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, reportBody{Report: rep})
}

// handleHeartbeat renews a worker's claim lease.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb proto.Heartbeat
	if err := decodeJSON(r, &hb); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := proto.ParseAgentID(string(hb.Agent)); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hb.SubtaskID == "" {
		s.writeError(w, http.StatusBadRequest, "heartbeat requires subtask_id")
		return
	}

	if err := s.ledger.Heartbeat(hb.Agent.String(), hb.SubtaskID); err != nil {
		s.writeError(w, ledgerStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "heartbeat received", ID: hb.SubtaskID})
}

// handleAccept marks a subtask accepted after coordinator validation.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req proto.MarkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "subtask id is required")
		return
	}

	if err := s.ledger.MarkAccepted(req.ID); err != nil {
		s.writeError(w, ledgerStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "accepted", ID: req.ID})
}

// handleReject returns a subtask to its queue with refined text.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req proto.RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "subtask id is required")
		return
	}

	if err := s.ledger.Reject(req.ID, req.RefinedText); err != nil {
		s.writeError(w, ledgerStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "rejected", ID: req.ID})
}

// handleMarkFailed transitions a subtask to failed with a reason.
func (s *Server) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	var req proto.MarkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "subtask id is required")
		return
	}

	if err := s.ledger.MarkFailed(req.ID, req.Reason); err != nil {
		s.writeError(w, ledgerStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "marked failed", ID: req.ID})
}

// handleStructurerReport records one structurer progress line in the
// log stream, where subscribers see it as a log_update.
func (s *Server) handleStructurerReport(w http.ResponseWriter, r *http.Request) {
	var rep proto.StructurerReport
	if err := decodeJSON(r, &rep); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rep.Status == "" {
		s.writeError(w, http.StatusBadRequest, "structurer report requires status")
		return
	}

	if rep.Details != "" {
		s.logger.Info("Structurer: %s (%s)", rep.Status, rep.Details)
	} else {
		s.logger.Info("Structurer: %s", rep.Status)
	}
	s.writeJSON(w, http.StatusOK, proto.Ack{Status: "received"})
}

// handleFileContent serves one repository file as plain text. Binary
// files come back as the gateway's placeholder sentinel.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}

	content, err := s.repo.Read(path)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnsafePath):
			s.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, fs.ErrNotExist):
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("file not found: %s", path))
		case errors.Is(err, gateway.ErrIsDirectory):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(content)); err != nil {
		s.logger.Error("Failed to write file content response: %v", err)
	}
	s.logger.Debug("Served file content for %s", path)
}
