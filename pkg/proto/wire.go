package proto

import "time"

// Tree is the nested structure snapshot exchanged on the wire. A nil
// value marks a file leaf; a non-nil value is a directory. This
// marshals to the same JSON shape the operator UI consumes: files are
// null, directories are objects.
type Tree map[string]Tree

// Subtask is the atomic unit of work: one filename-scoped instruction
// addressed to one role worker. IDs are stable across retries. Code
// carries the current file content for tester and documenter subtasks;
// the coordinator fetches it when emitting the follow-up.
type Subtask struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Filename  string     `json:"filename"`
	Text      string     `json:"text"`
	Code      string     `json:"code,omitempty"`
	Status    Status     `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
}

// SubtaskEnvelope wraps a subtask for enqueue requests.
type SubtaskEnvelope struct {
	Subtask Subtask `json:"subtask"`
}

// Report is a worker's answer to one subtask. A report is the only
// vehicle that advances a subtask out of processing.
type Report struct {
	Type       ReportType         `json:"type"`
	SubtaskID  string             `json:"subtask_id"`
	Role       Role               `json:"role"`
	Filename   string             `json:"filename"`
	Payload    string             `json:"payload"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Worker     string             `json:"worker,omitempty"`
	DurationMS int64              `json:"duration_ms,omitempty"`
}

// QueueTask is the wire shape of one queued subtask as delivered to
// workers on claim and to the UI inside queue listings.
type QueueTask struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Text     string `json:"text"`
	Status   Status `json:"status"`
}

// RunState mirrors one supervised agent for the UI and GET /status.
type RunState struct {
	Running       bool       `json:"running"`
	Restarts      int        `json:"restarts"`
	LastError     string     `json:"last_error,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// ProcessedPoint is one sample of the cumulative processed-report
// count, feeding the processed_over_time chart.
type ProcessedPoint struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

// ProgressData is the completion ratio shown by the progress bar.
type ProgressData struct {
	Accepted int     `json:"accepted"`
	Total    int     `json:"total"`
	Percent  float64 `json:"percent"`
}

// CommitInfo is one recent repository commit for the git activity feed.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// PushMessage is one outbound frame on the operator push channel.
// Delta types set only the fields they carry; full_status_update sets
// every populated field. Recipients merge specific_update fields over
// their current view and replace it wholesale on full_status_update.
type PushMessage struct {
	Type                   MsgType              `json:"type"`
	AgentStatus            map[AgentID]RunState `json:"ai_status,omitempty"`
	Queues                 map[Role][]QueueTask `json:"queues,omitempty"`
	Subtasks               map[string]Status    `json:"subtasks,omitempty"`
	Structure              Tree                 `json:"structure,omitempty"`
	LogLine                string               `json:"log_line,omitempty"`
	ProcessedOverTime      []ProcessedPoint     `json:"processed_over_time,omitempty"`
	TaskStatusDistribution map[Status]int       `json:"task_status_distribution,omitempty"`
	Progress               *ProgressData        `json:"progress_data,omitempty"`
	GitActivity            []CommitInfo         `json:"git_activity,omitempty"`
}

// ClientCommand is one inbound frame from a push-channel client.
type ClientCommand struct {
	Action Action `json:"action"`
}

// StructurePost carries a structure snapshot from the Structurer.
type StructurePost struct {
	Structure Tree `json:"structure"`
}

// StructurerReport carries a Structurer progress line for the log
// stream.
type StructurerReport struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// MarkRequest asks the service to transition one subtask.
type MarkRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// RejectRequest sends a subtask back for another attempt with refined
// instructions. The refined text replaces the subtask text on requeue.
type RejectRequest struct {
	ID          string `json:"id"`
	RefinedText string `json:"refined_text"`
}

// Heartbeat renews a worker's claim lease.
type Heartbeat struct {
	Agent     AgentID `json:"agent"`
	SubtaskID string  `json:"subtask_id,omitempty"`
}

// Ack is the generic success body for control endpoints.
type Ack struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// ErrorBody is the generic failure body for all endpoints.
type ErrorBody struct {
	Error string `json:"error"`
}
