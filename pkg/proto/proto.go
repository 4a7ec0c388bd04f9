// Package proto defines the closed enums and wire DTOs shared by the
// orchestrator service, the agents, and the push channel. Everything
// that crosses a process boundary is shaped here.
package proto

import (
	"fmt"
	"strings"
)

// Role identifies which worker pool a subtask is addressed to.
type Role string

const (
	RoleExecutor   Role = "executor"
	RoleTester     Role = "tester"
	RoleDocumenter Role = "documenter"
)

// AllRoles returns every worker role in scheduling order.
func AllRoles() []Role {
	return []Role{RoleExecutor, RoleTester, RoleDocumenter}
}

// ValidateRole reports whether s names a known role.
func ValidateRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleExecutor, RoleTester, RoleDocumenter:
		return Role(s), true
	default:
		return "", false
	}
}

// ParseRole parses a string into a Role with validation.
func ParseRole(s string) (Role, error) {
	if role, ok := ValidateRole(strings.ToLower(s)); ok {
		return role, nil
	}
	return "", fmt.Errorf("unknown role: %s", s)
}

// String returns the string representation of Role.
func (r Role) String() string {
	return string(r)
}

// AgentID identifies one supervised agent process.
type AgentID string

const (
	AgentCoordinator AgentID = "coordinator"
	AgentExecutor    AgentID = "executor"
	AgentTester      AgentID = "tester"
	AgentDocumenter  AgentID = "documenter"
	AgentStructurer  AgentID = "structurer"
)

// AllAgents returns every supervised agent in start order.
func AllAgents() []AgentID {
	return []AgentID{AgentCoordinator, AgentExecutor, AgentTester, AgentDocumenter, AgentStructurer}
}

// WorkerAgents returns the three role-worker agents.
func WorkerAgents() []AgentID {
	return []AgentID{AgentExecutor, AgentTester, AgentDocumenter}
}

// ParseAgentID parses a string into an AgentID with validation.
func ParseAgentID(s string) (AgentID, error) {
	switch AgentID(strings.ToLower(s)) {
	case AgentCoordinator, AgentExecutor, AgentTester, AgentDocumenter, AgentStructurer:
		return AgentID(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown agent: %s", s)
	}
}

// WorkerRole maps a worker agent to its queue role. The second result
// is false for the coordinator and the structurer.
func (a AgentID) WorkerRole() (Role, bool) {
	switch a {
	case AgentExecutor:
		return RoleExecutor, true
	case AgentTester:
		return RoleTester, true
	case AgentDocumenter:
		return RoleDocumenter, true
	default:
		return "", false
	}
}

// String returns the string representation of AgentID.
func (a AgentID) String() string {
	return string(a)
}

// Status is the lifecycle state of a subtask in the ledger.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCodeReceived Status = "code_received"
	StatusAccepted     Status = "accepted"
	StatusFailed       Status = "failed"
)

// AllStatuses returns the five subtask statuses in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCodeReceived, StatusAccepted, StatusFailed}
}

// ValidateStatus reports whether s names a known subtask status.
func ValidateStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCodeReceived, StatusAccepted, StatusFailed:
		return Status(s), true
	default:
		return "", false
	}
}

// ParseStatus parses a string into a Status with validation.
func ParseStatus(s string) (Status, error) {
	if status, ok := ValidateStatus(strings.ToLower(s)); ok {
		return status, nil
	}
	return "", fmt.Errorf("unknown subtask status: %s", s)
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusFailed
}

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// MsgType tags every outbound frame on the operator push channel.
type MsgType string

const (
	MsgFullStatus MsgType = "full_status_update"
	MsgStatus     MsgType = "status_update"
	MsgLog        MsgType = "log_update"
	MsgStructure  MsgType = "structure_update"
	MsgQueue      MsgType = "queue_update"
	MsgSpecific   MsgType = "specific_update"
	MsgPing       MsgType = "ping"
)

// ValidateMsgType reports whether s names a known push message type.
func ValidateMsgType(s string) (MsgType, bool) {
	switch MsgType(s) {
	case MsgFullStatus, MsgStatus, MsgLog, MsgStructure, MsgQueue, MsgSpecific, MsgPing:
		return MsgType(s), true
	default:
		return "", false
	}
}

// String returns the string representation of MsgType.
func (mt MsgType) String() string {
	return string(mt)
}

// Action is the verb carried by an inbound push-channel frame.
// Frames without a recognized action are logged and dropped.
type Action string

const (
	ActionGetFullStatus   Action = "get_full_status"
	ActionGetChartUpdates Action = "get_chart_updates"
)

// ParseAction parses a string into an Action with validation.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionGetFullStatus, ActionGetChartUpdates:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown action: %s", s)
	}
}

// DecisionType tags one Coordinator planning decision.
type DecisionType string

const (
	DecisionEnqueue  DecisionType = "enqueue"
	DecisionAccept   DecisionType = "accept"
	DecisionReject   DecisionType = "reject"
	DecisionComplete DecisionType = "complete"
)

// String returns the string representation of DecisionType.
func (d DecisionType) String() string {
	return string(d)
}

// ReportType tags what kind of payload a worker report carries.
type ReportType string

const (
	ReportCode       ReportType = "code"
	ReportTestResult ReportType = "test_result"
	ReportStatus     ReportType = "status_update"
)

// ValidateReportType reports whether s names a known report type.
func ValidateReportType(s string) (ReportType, bool) {
	switch ReportType(s) {
	case ReportCode, ReportTestResult, ReportStatus:
		return ReportType(s), true
	default:
		return "", false
	}
}
