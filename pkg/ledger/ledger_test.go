package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conductor/pkg/proto"
)

func newTestLedger(opts Options) *Ledger {
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 50 * time.Millisecond
	}
	return New(opts)
}

func mustEnqueue(t *testing.T, l *Ledger, role proto.Role, filename, text string) string {
	t.Helper()
	id, err := l.Enqueue(proto.Subtask{Role: role, Filename: filename, Text: text})
	if err != nil {
		t.Fatalf("Enqueue(%s, %s) failed: %v", role, filename, err)
	}
	return id
}

func mustClaim(t *testing.T, l *Ledger, role proto.Role, worker string) *proto.Subtask {
	t.Helper()
	sub, err := l.Claim(context.Background(), role, worker)
	if err != nil {
		t.Fatalf("Claim(%s, %s) failed: %v", role, worker, err)
	}
	if sub == nil {
		t.Fatalf("Claim(%s, %s) returned empty", role, worker)
	}
	return sub
}

func TestEnqueueAssignsID(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "main.py", "write main")
	if id == "" {
		t.Fatal("Expected a generated id")
	}

	sub, ok := l.Get(id)
	if !ok {
		t.Fatalf("Subtask %s not found after enqueue", id)
	}
	if sub.Status != proto.StatusPending {
		t.Errorf("Expected pending, got %s", sub.Status)
	}
	if sub.Filename != "main.py" {
		t.Errorf("Expected filename main.py, got %s", sub.Filename)
	}
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	l := newTestLedger(Options{})

	if _, err := l.Enqueue(proto.Subtask{ID: "fixed", Role: proto.RoleExecutor, Filename: "a.py", Text: "a"}); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}
	_, err := l.Enqueue(proto.Subtask{ID: "fixed", Role: proto.RoleTester, Filename: "b.py", Text: "b"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
}

func TestEnqueueRejectsUnknownRole(t *testing.T) {
	l := newTestLedger(Options{})

	_, err := l.Enqueue(proto.Subtask{Role: proto.Role("reviewer"), Filename: "a.py", Text: "a"})
	if !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Expected ErrUnknownRole, got %v", err)
	}
}

func TestEnqueueSoftCap(t *testing.T) {
	l := newTestLedger(Options{SoftCap: 2})

	mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustEnqueue(t, l, proto.RoleExecutor, "b.py", "b")

	_, err := l.Enqueue(proto.Subtask{Role: proto.RoleExecutor, Filename: "c.py", Text: "c"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	// Other roles are unaffected by the executor backlog.
	mustEnqueue(t, l, proto.RoleTester, "a_test.py", "test a")
}

func TestClaimFIFOWithinRole(t *testing.T) {
	l := newTestLedger(Options{})

	first := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	second := mustEnqueue(t, l, proto.RoleExecutor, "b.py", "b")

	if got := mustClaim(t, l, proto.RoleExecutor, "executor"); got.ID != first {
		t.Errorf("Expected first claim %s, got %s", first, got.ID)
	}
	if got := mustClaim(t, l, proto.RoleExecutor, "executor"); got.ID != second {
		t.Errorf("Expected second claim %s, got %s", second, got.ID)
	}
}

func TestClaimTimesOutWhenEmpty(t *testing.T) {
	l := newTestLedger(Options{PollTimeout: 20 * time.Millisecond})

	start := time.Now()
	sub, err := l.Claim(context.Background(), proto.RoleTester, "tester")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if sub != nil {
		t.Fatalf("Expected empty claim, got %s", sub.ID)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Claim returned before poll timeout: %v", elapsed)
	}
}

func TestClaimWakesOnEnqueue(t *testing.T) {
	l := newTestLedger(Options{PollTimeout: 5 * time.Second})

	done := make(chan *proto.Subtask, 1)
	go func() {
		sub, err := l.Claim(context.Background(), proto.RoleExecutor, "executor")
		if err != nil {
			done <- nil
			return
		}
		done <- sub
	}()

	time.Sleep(20 * time.Millisecond)
	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")

	select {
	case sub := <-done:
		if sub == nil || sub.ID != id {
			t.Fatalf("Expected claim of %s, got %+v", id, sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Claim did not wake on enqueue")
	}
}

func TestClaimHonorsContextCancel(t *testing.T) {
	l := newTestLedger(Options{PollTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Claim(ctx, proto.RoleExecutor, "executor")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Claim did not observe cancellation")
	}
}

func TestClaimNeverDuplicates(t *testing.T) {
	l := newTestLedger(Options{SoftCap: 1000, PollTimeout: 200 * time.Millisecond})

	const tasks = 50
	for i := 0; i < tasks; i++ {
		mustEnqueue(t, l, proto.RoleExecutor, fmt.Sprintf("f%d.py", i), "work")
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				sub, err := l.Claim(context.Background(), proto.RoleExecutor, worker)
				if err != nil || sub == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[sub.ID]; dup {
					t.Errorf("Subtask %s claimed by both %s and %s", sub.ID, prev, worker)
				}
				seen[sub.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("executor-%d", w))
	}
	wg.Wait()

	if len(seen) != tasks {
		t.Errorf("Expected %d claims, got %d", tasks, len(seen))
	}
}

func TestReportTransitions(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustClaim(t, l, proto.RoleExecutor, "executor")

	err := l.Report(proto.Report{Type: proto.ReportCode, SubtaskID: id, Role: proto.RoleExecutor, Filename: "a.py", Payload: "print('a')"})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	sub, _ := l.Get(id)
	if sub.Status != proto.StatusCodeReceived {
		t.Errorf("Expected code_received, got %s", sub.Status)
	}
	if rep, ok := l.ReportFor(id); !ok || rep.Payload != "print('a')" {
		t.Errorf("Report not recorded, got %+v ok=%v", rep, ok)
	}
}

func TestReportValidation(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")

	err := l.Report(proto.Report{SubtaskID: "missing", Role: proto.RoleExecutor})
	if !errors.Is(err, ErrUnknownSubtask) {
		t.Errorf("Expected ErrUnknownSubtask, got %v", err)
	}

	err = l.Report(proto.Report{SubtaskID: id, Role: proto.RoleTester})
	if !errors.Is(err, ErrWrongRole) {
		t.Errorf("Expected ErrWrongRole, got %v", err)
	}

	// Still pending, never claimed.
	err = l.Report(proto.Report{SubtaskID: id, Role: proto.RoleExecutor})
	if !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed, got %v", err)
	}
}

func TestMarkAcceptedIdempotent(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustClaim(t, l, proto.RoleExecutor, "executor")
	if err := l.Report(proto.Report{SubtaskID: id, Role: proto.RoleExecutor, Filename: "a.py", Payload: "x"}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if err := l.MarkAccepted(id); err != nil {
		t.Fatalf("MarkAccepted failed: %v", err)
	}
	if err := l.MarkAccepted(id); err != nil {
		t.Errorf("Second MarkAccepted should be a no-op, got %v", err)
	}

	sub, _ := l.Get(id)
	if sub.Status != proto.StatusAccepted {
		t.Errorf("Expected accepted, got %s", sub.Status)
	}
}

func TestMarkAcceptedRequiresCodeReceived(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	if err := l.MarkAccepted(id); err == nil {
		t.Error("Expected error accepting a pending subtask")
	}
	if err := l.MarkAccepted("missing"); !errors.Is(err, ErrUnknownSubtask) {
		t.Errorf("Expected ErrUnknownSubtask, got %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	if err := l.MarkFailed(id, "provider exhausted"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	sub, _ := l.Get(id)
	if sub.Status != proto.StatusFailed {
		t.Errorf("Expected failed, got %s", sub.Status)
	}
	if sub.LastError != "provider exhausted" {
		t.Errorf("Expected reason recorded, got %q", sub.LastError)
	}

	// The failed subtask must not be claimable.
	other := mustEnqueue(t, l, proto.RoleExecutor, "b.py", "b")
	if got := mustClaim(t, l, proto.RoleExecutor, "executor"); got.ID != other {
		t.Errorf("Expected claim of %s, got %s", other, got.ID)
	}

	if err := l.MarkFailed(id, "again"); err != nil {
		t.Errorf("Failing a failed subtask should be a no-op, got %v", err)
	}
}

func TestMarkFailedRejectsAccepted(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustClaim(t, l, proto.RoleExecutor, "executor")
	if err := l.Report(proto.Report{SubtaskID: id, Role: proto.RoleExecutor, Payload: "x"}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if err := l.MarkAccepted(id); err != nil {
		t.Fatalf("MarkAccepted failed: %v", err)
	}

	if err := l.MarkFailed(id, "too late"); err == nil {
		t.Error("Expected error failing an accepted subtask")
	}
}

func TestRejectRequeuesWithRefinedText(t *testing.T) {
	l := newTestLedger(Options{MaxAttempts: 3})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "original")
	mustClaim(t, l, proto.RoleExecutor, "executor")
	if err := l.Report(proto.Report{SubtaskID: id, Role: proto.RoleExecutor, Payload: "bad"}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if err := l.Reject(id, "original, but handle negative input"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	sub, _ := l.Get(id)
	if sub.Status != proto.StatusPending {
		t.Errorf("Expected pending after reject, got %s", sub.Status)
	}
	if sub.Attempts != 1 {
		t.Errorf("Expected attempts=1, got %d", sub.Attempts)
	}
	if sub.Text != "original, but handle negative input" {
		t.Errorf("Expected refined text, got %q", sub.Text)
	}

	if got := mustClaim(t, l, proto.RoleExecutor, "executor"); got.ID != id {
		t.Errorf("Expected rejected subtask back in queue, got %s", got.ID)
	}
}

func TestRejectExhaustsAttemptBudget(t *testing.T) {
	l := newTestLedger(Options{MaxAttempts: 2})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	for i := 0; i < 2; i++ {
		mustClaim(t, l, proto.RoleExecutor, "executor")
		if err := l.Report(proto.Report{SubtaskID: id, Role: proto.RoleExecutor, Payload: "bad"}); err != nil {
			t.Fatalf("Report %d failed: %v", i, err)
		}
		if err := l.Reject(id, ""); err != nil {
			t.Fatalf("Reject %d failed: %v", i, err)
		}
	}

	// Third rejection exceeds the budget of 2.
	mustClaim(t, l, proto.RoleExecutor, "executor")
	if err := l.Report(proto.Report{SubtaskID: id, Role: proto.RoleExecutor, Payload: "bad"}); err != nil {
		t.Fatalf("Final report failed: %v", err)
	}
	if err := l.Reject(id, ""); err != nil {
		t.Fatalf("Final reject failed: %v", err)
	}

	sub, _ := l.Get(id)
	if sub.Status != proto.StatusFailed {
		t.Errorf("Expected failed after exhausting attempts, got %s", sub.Status)
	}
	if sub.Attempts != 3 {
		t.Errorf("Expected attempts=3, got %d", sub.Attempts)
	}
}

func TestSweepRequeuesExpiredClaim(t *testing.T) {
	l := newTestLedger(Options{
		LeaseFor: func(proto.Role) time.Duration { return 10 * time.Millisecond },
	})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustClaim(t, l, proto.RoleExecutor, "executor")

	time.Sleep(20 * time.Millisecond)
	swept := l.SweepExpired()
	if len(swept) != 1 || swept[0] != id {
		t.Fatalf("Expected sweep of %s, got %v", id, swept)
	}

	sub, _ := l.Get(id)
	if sub.Status != proto.StatusPending {
		t.Errorf("Expected pending after sweep, got %s", sub.Status)
	}
	if sub.Attempts != 1 {
		t.Errorf("Expected attempts=1 after sweep, got %d", sub.Attempts)
	}
	if sub.ClaimedBy != "" {
		t.Errorf("Expected claim cleared, got %q", sub.ClaimedBy)
	}

	// The swept subtask is claimable again.
	if got := mustClaim(t, l, proto.RoleExecutor, "executor-2"); got.ID != id {
		t.Errorf("Expected re-claim of %s, got %s", id, got.ID)
	}
}

func TestSweepLeavesLiveClaims(t *testing.T) {
	l := newTestLedger(Options{
		LeaseFor: func(proto.Role) time.Duration { return time.Hour },
	})

	mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustClaim(t, l, proto.RoleExecutor, "executor")

	if swept := l.SweepExpired(); len(swept) != 0 {
		t.Errorf("Expected no sweeps, got %v", swept)
	}
}

func TestHeartbeatRenewsLease(t *testing.T) {
	l := newTestLedger(Options{
		LeaseFor: func(proto.Role) time.Duration { return 40 * time.Millisecond },
	})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustClaim(t, l, proto.RoleExecutor, "executor")

	// Heartbeats keep the claim alive past the original lease.
	for i := 0; i < 3; i++ {
		time.Sleep(25 * time.Millisecond)
		if err := l.Heartbeat("executor", id); err != nil {
			t.Fatalf("Heartbeat %d failed: %v", i, err)
		}
	}
	if swept := l.SweepExpired(); len(swept) != 0 {
		t.Errorf("Expected live claim after heartbeats, got sweep of %v", swept)
	}

	sub, _ := l.Get(id)
	if sub.Status != proto.StatusProcessing {
		t.Errorf("Expected processing, got %s", sub.Status)
	}
}

func TestHeartbeatValidation(t *testing.T) {
	l := newTestLedger(Options{})

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")

	if err := l.Heartbeat("executor", "missing"); !errors.Is(err, ErrUnknownSubtask) {
		t.Errorf("Expected ErrUnknownSubtask, got %v", err)
	}
	if err := l.Heartbeat("executor", id); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed for unclaimed subtask, got %v", err)
	}

	mustClaim(t, l, proto.RoleExecutor, "executor")
	if err := l.Heartbeat("impostor", id); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed for wrong worker, got %v", err)
	}
}

func TestQueueSnapshotOrder(t *testing.T) {
	l := newTestLedger(Options{})

	first := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	second := mustEnqueue(t, l, proto.RoleExecutor, "b.py", "b")
	third := mustEnqueue(t, l, proto.RoleExecutor, "c.py", "c")
	mustClaim(t, l, proto.RoleExecutor, "executor") // claims first

	snap := l.QueueSnapshot(proto.RoleExecutor)
	if len(snap) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(snap))
	}
	if snap[0].ID != second || snap[0].Status != proto.StatusPending {
		t.Errorf("Expected pending %s first, got %+v", second, snap[0])
	}
	if snap[1].ID != third {
		t.Errorf("Expected pending %s second, got %+v", third, snap[1])
	}
	if snap[2].ID != first || snap[2].Status != proto.StatusProcessing {
		t.Errorf("Expected processing %s last, got %+v", first, snap[2])
	}
}

func TestStatusDistribution(t *testing.T) {
	l := newTestLedger(Options{})

	mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	id := mustEnqueue(t, l, proto.RoleExecutor, "b.py", "b")
	mustEnqueue(t, l, proto.RoleTester, "a_test.py", "test a")

	mustClaim(t, l, proto.RoleExecutor, "executor") // a.py -> processing
	_ = id

	dist := l.StatusDistribution()
	if dist[proto.StatusPending] != 2 {
		t.Errorf("Expected 2 pending, got %d", dist[proto.StatusPending])
	}
	if dist[proto.StatusProcessing] != 1 {
		t.Errorf("Expected 1 processing, got %d", dist[proto.StatusProcessing])
	}
}

func TestNotifyChannelReceivesTransitions(t *testing.T) {
	l := newTestLedger(Options{})
	events := make(chan Event, 16)
	l.SetNotifyChannel(events)

	id := mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustClaim(t, l, proto.RoleExecutor, "executor")

	want := []EventKind{EventEnqueued, EventClaimed}
	for _, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Errorf("Expected event %s, got %s", kind, ev.Kind)
			}
			if ev.SubtaskID != id {
				t.Errorf("Expected event for %s, got %s", id, ev.SubtaskID)
			}
		default:
			t.Fatalf("Missing event %s", kind)
		}
	}
}

func TestReset(t *testing.T) {
	l := newTestLedger(Options{})

	mustEnqueue(t, l, proto.RoleExecutor, "a.py", "a")
	mustEnqueue(t, l, proto.RoleTester, "a_test.py", "test a")
	mustClaim(t, l, proto.RoleExecutor, "executor")

	l.Reset()

	if n := len(l.Subtasks()); n != 0 {
		t.Errorf("Expected empty ledger after reset, got %d subtasks", n)
	}
	if n := l.PendingLen(proto.RoleTester); n != 0 {
		t.Errorf("Expected empty tester queue, got %d", n)
	}
	if n := len(l.Reports()); n != 0 {
		t.Errorf("Expected no reports after reset, got %d", n)
	}
}

// Resets racing the sweeper and live claims must never blow up the sweep: a
// claim recorded just before a reset leaves a fully expired lease (the lease
// here is a nanosecond) whose subtask is already gone.
func TestResetDuringSweepAndClaims(t *testing.T) {
	l := newTestLedger(Options{
		LeaseFor:    func(proto.Role) time.Duration { return time.Nanosecond },
		PollTimeout: time.Millisecond,
		MaxAttempts: 1,
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				l.SweepExpired()
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				l.Reset()
			}
		}
	}()

	go func() {
		defer wg.Done()
		ctx := context.Background()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, err := l.Enqueue(proto.Subtask{Role: proto.RoleExecutor, Filename: fmt.Sprintf("f%d.py", i), Text: "x"})
			if err != nil {
				continue
			}
			if _, err := l.Claim(ctx, proto.RoleExecutor, "executor"); err != nil {
				t.Errorf("Claim failed under reset churn: %v", err)
				return
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	l.Reset()
	if n := len(l.Subtasks()); n != 0 {
		t.Errorf("Expected empty ledger after final reset, got %d subtasks", n)
	}
}
