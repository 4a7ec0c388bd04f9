package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/mocks"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/config"
	"conductor/pkg/proto"
)

// fakeService records every call the worker makes against the
// orchestrator surface.
type fakeService struct {
	mu       sync.Mutex
	claims   []*proto.Subtask
	claimErr error
	reports  []proto.Report
	failures map[string]string
	beats    []string
}

func newFakeService(claims ...*proto.Subtask) *fakeService {
	return &fakeService{claims: claims, failures: make(map[string]string)}
}

func (f *fakeService) ClaimTask(_ context.Context, _ proto.Role) (*proto.Subtask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.claims) == 0 {
		return nil, nil
	}
	sub := f.claims[0]
	f.claims = f.claims[1:]
	return sub, nil
}

func (f *fakeService) SubmitReport(_ context.Context, rep proto.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, rep)
	return nil
}

func (f *fakeService) Heartbeat(_ context.Context, subtaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, subtaskID)
	return nil
}

func (f *fakeService) MarkFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = reason
	return nil
}

func (f *fakeService) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func (f *fakeService) failureReason(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[id]
}

func (f *fakeService) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beats)
}

// staticProvider answers every completion with the same content.
func staticProvider(content string) llm.Client {
	return llm.ClientFunc{
		Model: "test-model",
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
		},
	}
}

func newWorker(t *testing.T, role proto.Role, svc Service, provider llm.Client) *Worker {
	t.Helper()
	w, err := New(role, config.Config{}, svc, provider)
	require.NoError(t, err)
	return w
}

func TestProcessSubmitsStrippedReport(t *testing.T) {
	svc := newFakeService()
	w := newWorker(t, proto.RoleExecutor, svc, staticProvider("```python\nprint('hi')\n```"))

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-1",
		Role:     proto.RoleExecutor,
		Filename: "main.py",
		Text:     "Implement main.py",
	})

	require.Equal(t, 1, svc.reportCount())
	rep := svc.reports[0]
	assert.Equal(t, proto.ReportCode, rep.Type)
	assert.Equal(t, "sub-1", rep.SubtaskID)
	assert.Equal(t, "main.py", rep.Filename)
	assert.Equal(t, "print('hi')", rep.Payload)
	assert.InDelta(t, 1.0, rep.Metrics["syntax_score"], 0.001)
	assert.InDelta(t, 1.0, rep.Metrics["readability"], 0.001)
	// Claim heartbeat plus the post-submit one.
	assert.GreaterOrEqual(t, svc.beatCount(), 2)
	assert.Empty(t, svc.failures)
}

func TestProcessRendersPromptForProvider(t *testing.T) {
	svc := newFakeService()
	provider := mocks.NewMockLLMClient()
	provider.RespondWith("print('hi')")
	w := newWorker(t, proto.RoleExecutor, svc, provider)

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-8",
		Role:     proto.RoleExecutor,
		Filename: "util.py",
		Text:     "Implement helper functions for the parser",
	})

	require.Equal(t, 1, provider.CallCount())
	req := provider.LastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, llm.RoleUser, req.Messages[1].Role)
	assert.True(t, provider.RequestContains("Implement helper functions for the parser"),
		"user prompt should carry the subtask text")
	assert.True(t, provider.RequestContains("util.py"),
		"prompt should name the file under work")
	require.Equal(t, 1, svc.reportCount())
}

func TestProcessFailsBinaryPayload(t *testing.T) {
	svc := newFakeService()
	w := newWorker(t, proto.RoleExecutor, svc, staticProvider("\xff\xfe\x00payload"))

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-2",
		Role:     proto.RoleExecutor,
		Filename: "main.py",
		Text:     "Implement main.py",
	})

	assert.Equal(t, "BinaryPayload", svc.failureReason("sub-2"))
	assert.Zero(t, svc.reportCount())
}

func TestProcessSubmitsEmptyPayload(t *testing.T) {
	svc := newFakeService()
	w := newWorker(t, proto.RoleExecutor, svc, staticProvider(""))

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-3",
		Role:     proto.RoleExecutor,
		Filename: "main.py",
		Text:     "Implement main.py",
	})

	// Empty output is still a report; zero metrics put the decision with
	// the coordinator instead of silently retrying here.
	require.Equal(t, 1, svc.reportCount())
	rep := svc.reports[0]
	assert.Empty(t, rep.Payload)
	assert.Zero(t, rep.Metrics["syntax_score"])
	assert.Zero(t, rep.Metrics["readability"])
	assert.Empty(t, svc.failures)
}

func TestProcessFailsTesterWithoutCode(t *testing.T) {
	svc := newFakeService()
	calls := 0
	provider := llm.ClientFunc{
		Model: "test-model",
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			return llm.CompletionResponse{Content: "irrelevant"}, nil
		},
	}
	w := newWorker(t, proto.RoleTester, svc, provider)

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-4",
		Role:     proto.RoleTester,
		Filename: "main.py",
		Text:     "Write tests for main.py",
	})

	assert.Equal(t, "MissingCode", svc.failureReason("sub-4"))
	assert.Zero(t, calls)
	assert.Zero(t, svc.reportCount())
}

func TestProcessFailsRoleMismatch(t *testing.T) {
	svc := newFakeService()
	w := newWorker(t, proto.RoleExecutor, svc, staticProvider("print('hi')"))

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-5",
		Role:     proto.RoleTester,
		Filename: "main.py",
		Text:     "Write tests for main.py",
	})

	assert.Contains(t, svc.failureReason("sub-5"), "role mismatch")
	assert.Zero(t, svc.reportCount())
}

func TestProcessReportsProviderFailureReason(t *testing.T) {
	svc := newFakeService()
	provider := llm.ClientFunc{
		Model: "test-model",
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeAuth, "bad key")
		},
	}
	w := newWorker(t, proto.RoleExecutor, svc, provider)

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-6",
		Role:     proto.RoleExecutor,
		Filename: "main.py",
		Text:     "Implement main.py",
	})

	assert.Equal(t, "auth", svc.failureReason("sub-6"))
	assert.Zero(t, svc.reportCount())
}

func TestProcessTesterReportsTestResult(t *testing.T) {
	svc := newFakeService()
	payload := "def test_main():\n    assert main() == 0\n"
	w := newWorker(t, proto.RoleTester, svc, staticProvider(payload))

	w.process(context.Background(), &proto.Subtask{
		ID:       "sub-7",
		Role:     proto.RoleTester,
		Filename: "main.py",
		Text:     "Write tests for main.py",
		Code:     "def main():\n    return 0\n",
	})

	require.Equal(t, 1, svc.reportCount())
	rep := svc.reports[0]
	assert.Equal(t, proto.ReportTestResult, rep.Type)
	assert.InDelta(t, 1.0, rep.Metrics["tests_passed"], 0.001)
	assert.Positive(t, rep.Metrics["coverage"])
}

func TestRunStopsWhenCanceled(t *testing.T) {
	svc := newFakeService() // empty queue: the loop idles
	w := newWorker(t, proto.RoleExecutor, svc, staticProvider("print('hi')"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRunGivesUpAfterRepeatedClaimFailures(t *testing.T) {
	svc := newFakeService()
	svc.claimErr = errors.New("connection refused")
	w := newWorker(t, proto.RoleExecutor, svc, staticProvider("print('hi')"))

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 10 consecutive failures")
}
