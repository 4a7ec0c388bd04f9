package mocks

import (
	"context"
	"fmt"
	"sync"

	"conductor/pkg/proto"
)

// MockAPIClient implements the orchestrator surface the agents call:
// the union of the coordinator, worker, and structurer Service
// interfaces, which pkg/client.Client satisfies in production. Defaults
// behave like an idle service (empty queues, no snapshot, every write
// accepted and recorded).
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockAPIClient struct {
	EnqueueSubtaskFunc   func(ctx context.Context, sub proto.Subtask) (string, error)
	SubtasksFunc         func(ctx context.Context) (map[string]proto.Subtask, error)
	ReportForFunc        func(ctx context.Context, id string) (*proto.Report, error)
	AcceptFunc           func(ctx context.Context, id string) error
	RejectFunc           func(ctx context.Context, id, refinedText string) error
	MarkFailedFunc       func(ctx context.Context, id, reason string) error
	FetchStructureFunc   func(ctx context.Context) (proto.Tree, error)
	PostStructureFunc    func(ctx context.Context, tree proto.Tree) error
	ClaimTaskFunc        func(ctx context.Context, role proto.Role) (*proto.Subtask, error)
	SubmitReportFunc     func(ctx context.Context, rep proto.Report) error
	HeartbeatFunc        func(ctx context.Context, subtaskID string) error
	StructurerReportFunc func(ctx context.Context, status, details string) error

	// Recorded writes, for verification.
	Enqueued  []proto.Subtask
	Accepted  []string
	Rejected  []string
	Failed    map[string]string
	Posted    []proto.Tree
	Submitted []proto.Report
	Beats     []string
	Statuses  []string

	seq int
	mu  sync.Mutex
}

// NewMockAPIClient creates a mock orchestrator client with idle-service
// defaults.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{Failed: make(map[string]string)}
}

// FailAllWith configures every method to return the specified error, as
// if the orchestrator were unreachable.
func (m *MockAPIClient) FailAllWith(err error) {
	m.EnqueueSubtaskFunc = func(_ context.Context, _ proto.Subtask) (string, error) { return "", err }
	m.SubtasksFunc = func(_ context.Context) (map[string]proto.Subtask, error) { return nil, err }
	m.ReportForFunc = func(_ context.Context, _ string) (*proto.Report, error) { return nil, err }
	m.AcceptFunc = func(_ context.Context, _ string) error { return err }
	m.RejectFunc = func(_ context.Context, _, _ string) error { return err }
	m.MarkFailedFunc = func(_ context.Context, _, _ string) error { return err }
	m.FetchStructureFunc = func(_ context.Context) (proto.Tree, error) { return nil, err }
	m.PostStructureFunc = func(_ context.Context, _ proto.Tree) error { return err }
	m.ClaimTaskFunc = func(_ context.Context, _ proto.Role) (*proto.Subtask, error) { return nil, err }
	m.SubmitReportFunc = func(_ context.Context, _ proto.Report) error { return err }
	m.HeartbeatFunc = func(_ context.Context, _ string) error { return err }
	m.StructurerReportFunc = func(_ context.Context, _, _ string) error { return err }
}

// EnqueueSubtask records the subtask and hands back a sequential id.
func (m *MockAPIClient) EnqueueSubtask(ctx context.Context, sub proto.Subtask) (string, error) {
	if m.EnqueueSubtaskFunc != nil {
		return m.EnqueueSubtaskFunc(ctx, sub)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	sub.ID = fmt.Sprintf("sub-%d", m.seq)
	m.Enqueued = append(m.Enqueued, sub)
	return sub.ID, nil
}

// Subtasks returns an empty ledger by default.
func (m *MockAPIClient) Subtasks(ctx context.Context) (map[string]proto.Subtask, error) {
	if m.SubtasksFunc != nil {
		return m.SubtasksFunc(ctx)
	}
	return map[string]proto.Subtask{}, nil
}

// ReportFor returns no report by default.
func (m *MockAPIClient) ReportFor(ctx context.Context, id string) (*proto.Report, error) {
	if m.ReportForFunc != nil {
		return m.ReportForFunc(ctx, id)
	}
	return nil, nil
}

// Accept records the accepted subtask id.
func (m *MockAPIClient) Accept(ctx context.Context, id string) error {
	if m.AcceptFunc != nil {
		return m.AcceptFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accepted = append(m.Accepted, id)
	return nil
}

// Reject records the rejected subtask id.
func (m *MockAPIClient) Reject(ctx context.Context, id, refinedText string) error {
	if m.RejectFunc != nil {
		return m.RejectFunc(ctx, id, refinedText)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected = append(m.Rejected, id)
	return nil
}

// MarkFailed records the failure reason by subtask id.
func (m *MockAPIClient) MarkFailed(ctx context.Context, id, reason string) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id, reason)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed[id] = reason
	return nil
}

// FetchStructure returns no snapshot by default.
func (m *MockAPIClient) FetchStructure(ctx context.Context) (proto.Tree, error) {
	if m.FetchStructureFunc != nil {
		return m.FetchStructureFunc(ctx)
	}
	return nil, nil
}

// PostStructure records the posted tree.
func (m *MockAPIClient) PostStructure(ctx context.Context, tree proto.Tree) error {
	if m.PostStructureFunc != nil {
		return m.PostStructureFunc(ctx, tree)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Posted = append(m.Posted, tree)
	return nil
}

// ClaimTask returns an empty queue by default.
func (m *MockAPIClient) ClaimTask(ctx context.Context, role proto.Role) (*proto.Subtask, error) {
	if m.ClaimTaskFunc != nil {
		return m.ClaimTaskFunc(ctx, role)
	}
	return nil, nil
}

// SubmitReport records the submitted report.
func (m *MockAPIClient) SubmitReport(ctx context.Context, rep proto.Report) error {
	if m.SubmitReportFunc != nil {
		return m.SubmitReportFunc(ctx, rep)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, rep)
	return nil
}

// Heartbeat records the renewed subtask id.
func (m *MockAPIClient) Heartbeat(ctx context.Context, subtaskID string) error {
	if m.HeartbeatFunc != nil {
		return m.HeartbeatFunc(ctx, subtaskID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Beats = append(m.Beats, subtaskID)
	return nil
}

// StructurerReport records the structurer's status line.
func (m *MockAPIClient) StructurerReport(ctx context.Context, status, details string) error {
	if m.StructurerReportFunc != nil {
		return m.StructurerReportFunc(ctx, status, details)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses = append(m.Statuses, status)
	return nil
}
