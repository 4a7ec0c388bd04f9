// Package ledger owns the task ledger and the per-role work queues.
//
// The ledger is the state of record for every subtask the coordinator has
// emitted: its status, attempt count, claim, and the reports produced for
// it. Each worker role has its own FIFO queue of pending subtask ids plus a
// side-set of ids currently held under a claim. Workers block on Claim until
// a task arrives or the poll timeout elapses; a claim that outlives its lease
// is swept back to pending with the attempt count incremented.
//
// Lock order: a role queue's mutex is always acquired before the ledger
// mutex. Paths that need the subtask's role before they can pick a queue
// read it first, then re-validate under both locks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/proto"
)

// Sentinel errors returned by ledger operations. Callers match them with
// errors.Is; the web layer maps them onto HTTP status codes.
var (
	ErrUnknownSubtask = errors.New("unknown subtask")
	ErrWrongRole      = errors.New("role does not match subtask")
	ErrNotClaimed     = errors.New("subtask is not claimed")
	ErrDuplicateID    = errors.New("duplicate subtask id")
	ErrUnknownRole    = errors.New("unknown role")
	ErrQueueFull      = errors.New("role queue is at soft cap")
)

// EventKind identifies a ledger state transition.
type EventKind string

const (
	EventEnqueued EventKind = "enqueued"
	EventClaimed  EventKind = "claimed"
	EventReported EventKind = "reported"
	EventAccepted EventKind = "accepted"
	EventFailed   EventKind = "failed"
	EventRequeued EventKind = "requeued"
	EventReset    EventKind = "reset"
)

// Event describes one subtask transition. Events are delivered best-effort
// over the notify channel; consumers that miss one re-sync from a snapshot.
type Event struct {
	Kind      EventKind
	SubtaskID string
	Role      proto.Role
	Status    proto.Status
}

// Options configures a Ledger. Zero values fall back to defaults.
type Options struct {
	// SoftCap bounds the number of pending subtasks per role; Enqueue
	// returns ErrQueueFull beyond it so the coordinator pauses emission.
	SoftCap int
	// PollTimeout bounds how long Claim blocks on an empty queue before
	// returning empty-handed so the worker can re-ask.
	PollTimeout time.Duration
	// LeaseFor returns the claim lease for a role. A claim older than its
	// lease is treated as a crashed worker and swept back to pending.
	LeaseFor func(proto.Role) time.Duration
	// MaxAttempts caps requeues: once a subtask's attempt count would
	// exceed it, the sweep or a reject moves it to failed instead.
	MaxAttempts int
	// SweepInterval is how often Run scans for expired claims.
	SweepInterval time.Duration
}

const (
	defaultSoftCap       = 100
	defaultPollTimeout   = 30 * time.Second
	defaultLease         = 240 * time.Second
	defaultMaxAttempts   = 3
	defaultSweepInterval = 5 * time.Second
)

type claimEntry struct {
	worker string
	at     time.Time
}

// roleQueue holds one role's pending ids in FIFO order plus its processing
// side-set. The cond wakes blocked claimers when a task arrives.
type roleQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ids    []string
	claims map[string]claimEntry
}

func newRoleQueue() *roleQueue {
	q := &roleQueue{claims: make(map[string]claimEntry)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Ledger is the orchestrator's task ledger and queue manager.
type Ledger struct {
	mu       sync.RWMutex
	subtasks map[string]*proto.Subtask
	reports  []proto.Report

	queues map[proto.Role]*roleQueue

	notifyMu sync.RWMutex
	notifyCh chan<- Event

	opts Options
}

// New creates an empty ledger with one queue per worker role.
func New(opts Options) *Ledger {
	if opts.SoftCap <= 0 {
		opts.SoftCap = defaultSoftCap
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	l := &Ledger{
		subtasks: make(map[string]*proto.Subtask),
		queues:   make(map[proto.Role]*roleQueue),
		opts:     opts,
	}
	for _, role := range proto.AllRoles() {
		l.queues[role] = newRoleQueue()
	}
	return l
}

// SetNotifyChannel sets the channel for transition notifications. Sends are
// non-blocking; a full channel drops the event.
func (l *Ledger) SetNotifyChannel(ch chan<- Event) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	l.notifyCh = ch
}

func (l *Ledger) notify(kind EventKind, id string, role proto.Role, status proto.Status) {
	l.notifyMu.RLock()
	ch := l.notifyCh
	l.notifyMu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- Event{Kind: kind, SubtaskID: id, Role: role, Status: status}:
	default:
		// Consumer is behind; it will re-sync from a snapshot.
	}
}

func (l *Ledger) leaseFor(role proto.Role) time.Duration {
	if l.opts.LeaseFor != nil {
		if d := l.opts.LeaseFor(role); d > 0 {
			return d
		}
	}
	return defaultLease
}

// Enqueue appends a subtask to its role queue in pending state. An empty ID
// gets a generated one; a known ID is rejected with ErrDuplicateID. When the
// role's pending backlog is at the soft cap, Enqueue returns ErrQueueFull so
// the caller backs off.
func (l *Ledger) Enqueue(sub proto.Subtask) (string, error) {
	if _, ok := proto.ValidateRole(string(sub.Role)); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, sub.Role)
	}
	if sub.Filename == "" {
		return "", fmt.Errorf("enqueue: filename is required")
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	q := l.queues[sub.Role]
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) >= l.opts.SoftCap {
		return "", fmt.Errorf("%w: %s has %d pending", ErrQueueFull, sub.Role, len(q.ids))
	}

	l.mu.Lock()
	if _, exists := l.subtasks[sub.ID]; exists {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, sub.ID)
	}
	now := time.Now().UTC()
	sub.Status = proto.StatusPending
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub.ClaimedAt = nil
	sub.ClaimedBy = ""
	stored := sub
	l.subtasks[sub.ID] = &stored
	l.mu.Unlock()

	q.ids = append(q.ids, sub.ID)
	q.cond.Signal()

	l.notify(EventEnqueued, sub.ID, sub.Role, proto.StatusPending)
	return sub.ID, nil
}

// Claim pops the head of the role queue and transitions it to processing
// under the caller's identity. An empty queue blocks the caller until a task
// arrives, the poll timeout elapses (returns nil, nil), or ctx is canceled.
// A given id is handed to at most one worker.
func (l *Ledger) Claim(ctx context.Context, role proto.Role, worker string) (*proto.Subtask, error) {
	if _, ok := proto.ValidateRole(string(role)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if worker == "" {
		return nil, fmt.Errorf("claim: worker identity is required")
	}

	q := l.queues[role]
	deadline := time.Now().Add(l.opts.PollTimeout)

	// Wake the cond loop when the poll window or the context expires;
	// sync.Cond has no native timeout.
	timer := time.AfterFunc(l.opts.PollTimeout, q.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, q.cond.Broadcast)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.ids) > 0 {
			id := q.ids[0]
			q.ids = q.ids[1:]

			l.mu.Lock()
			sub := l.subtasks[id]
			now := time.Now().UTC()
			sub.Status = proto.StatusProcessing
			sub.ClaimedAt = &now
			sub.ClaimedBy = worker
			sub.UpdatedAt = now
			out := *sub
			l.mu.Unlock()

			q.claims[id] = claimEntry{worker: worker, at: now}

			l.notify(EventClaimed, id, role, proto.StatusProcessing)
			return &out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		q.cond.Wait()
	}
}

// Report validates and records a worker's report, moving the subtask from
// processing to code_received and releasing its claim. The caller forwards
// the report onward; the ledger only keeps the audit copy.
func (l *Ledger) Report(rep proto.Report) error {
	l.mu.RLock()
	sub, ok := l.subtasks[rep.SubtaskID]
	if !ok {
		l.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, rep.SubtaskID)
	}
	role := sub.Role
	l.mu.RUnlock()

	if rep.Role != role {
		return fmt.Errorf("%w: report says %s, subtask %s belongs to %s", ErrWrongRole, rep.Role, rep.SubtaskID, role)
	}

	q := l.queues[role]
	q.mu.Lock()
	defer q.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok = l.subtasks[rep.SubtaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, rep.SubtaskID)
	}
	if sub.Status != proto.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrNotClaimed, rep.SubtaskID, sub.Status)
	}

	delete(q.claims, rep.SubtaskID)
	now := time.Now().UTC()
	sub.Status = proto.StatusCodeReceived
	sub.ClaimedAt = nil
	sub.UpdatedAt = now
	l.reports = append(l.reports, rep)

	l.notify(EventReported, rep.SubtaskID, role, proto.StatusCodeReceived)
	return nil
}

// Heartbeat renews the lease on a claim. The heartbeat must come from the
// worker holding the claim.
func (l *Ledger) Heartbeat(worker, subtaskID string) error {
	l.mu.RLock()
	sub, ok := l.subtasks[subtaskID]
	if !ok {
		l.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, subtaskID)
	}
	role := sub.Role
	l.mu.RUnlock()

	q := l.queues[role]
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, held := q.claims[subtaskID]
	if !held {
		return fmt.Errorf("%w: %s", ErrNotClaimed, subtaskID)
	}
	if entry.worker != worker {
		return fmt.Errorf("%w: %s is held by %s", ErrNotClaimed, subtaskID, entry.worker)
	}
	entry.at = time.Now().UTC()
	q.claims[subtaskID] = entry
	return nil
}

// MarkAccepted transitions code_received to accepted. Accepting an already
// accepted subtask is a no-op.
func (l *Ledger) MarkAccepted(id string) error {
	l.mu.Lock()
	sub, ok := l.subtasks[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, id)
	}
	if sub.Status == proto.StatusAccepted {
		l.mu.Unlock()
		return nil
	}
	if sub.Status != proto.StatusCodeReceived {
		l.mu.Unlock()
		return fmt.Errorf("subtask %s is not in code_received status (current: %s)", id, sub.Status)
	}
	sub.Status = proto.StatusAccepted
	sub.UpdatedAt = time.Now().UTC()
	role := sub.Role
	l.mu.Unlock()

	l.notify(EventAccepted, id, role, proto.StatusAccepted)
	return nil
}

// MarkFailed transitions a subtask to failed with a reason. Failing an
// already failed subtask is a no-op; an accepted subtask cannot fail.
func (l *Ledger) MarkFailed(id, reason string) error {
	l.mu.RLock()
	sub, ok := l.subtasks[id]
	if !ok {
		l.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, id)
	}
	role := sub.Role
	l.mu.RUnlock()

	q := l.queues[role]
	q.mu.Lock()
	defer q.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok = l.subtasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, id)
	}
	switch sub.Status {
	case proto.StatusFailed:
		return nil
	case proto.StatusAccepted:
		return fmt.Errorf("subtask %s is already accepted", id)
	case proto.StatusPending:
		q.ids = removeID(q.ids, id)
	case proto.StatusProcessing:
		delete(q.claims, id)
	}

	sub.Status = proto.StatusFailed
	sub.LastError = reason
	sub.ClaimedAt = nil
	sub.UpdatedAt = time.Now().UTC()

	l.notify(EventFailed, id, role, proto.StatusFailed)
	return nil
}

// Reject returns a code_received subtask to pending with refined text and an
// incremented attempt count. When the attempt budget is exhausted the subtask
// moves to failed instead.
func (l *Ledger) Reject(id, refinedText string) error {
	l.mu.RLock()
	sub, ok := l.subtasks[id]
	if !ok {
		l.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, id)
	}
	role := sub.Role
	l.mu.RUnlock()

	q := l.queues[role]
	q.mu.Lock()
	defer q.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok = l.subtasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, id)
	}
	if sub.Status != proto.StatusCodeReceived {
		return fmt.Errorf("subtask %s is not in code_received status (current: %s)", id, sub.Status)
	}

	now := time.Now().UTC()
	sub.Attempts++
	sub.UpdatedAt = now
	if refinedText != "" {
		sub.Text = refinedText
	}

	if sub.Attempts > l.opts.MaxAttempts {
		sub.Status = proto.StatusFailed
		sub.LastError = fmt.Sprintf("rejected after %d attempts", sub.Attempts)
		l.notify(EventFailed, id, role, proto.StatusFailed)
		return nil
	}

	sub.Status = proto.StatusPending
	sub.ClaimedAt = nil
	sub.ClaimedBy = ""
	q.ids = append(q.ids, id)
	q.cond.Signal()

	l.notify(EventRequeued, id, role, proto.StatusPending)
	return nil
}

// SweepExpired scans every role's claims and returns expired ones to pending
// with the attempt count incremented; subtasks over the attempt budget move
// to failed. Returns the ids that changed state.
func (l *Ledger) SweepExpired() []string {
	type sweptEntry struct {
		id     string
		status proto.Status
	}

	now := time.Now().UTC()
	var swept []string

	for _, role := range proto.AllRoles() {
		q := l.queues[role]
		lease := l.leaseFor(role)

		q.mu.Lock()
		var expired []string
		for id, entry := range q.claims {
			if now.Sub(entry.at) > lease {
				expired = append(expired, id)
			}
		}
		sort.Strings(expired)

		var changed []sweptEntry
		l.mu.Lock()
		for _, id := range expired {
			delete(q.claims, id)
			sub := l.subtasks[id]
			if sub == nil {
				// The ledger entry is gone; a stale claim with no
				// subtask has nothing to requeue.
				continue
			}
			sub.Attempts++
			sub.ClaimedAt = nil
			sub.ClaimedBy = ""
			sub.UpdatedAt = now
			if sub.Attempts > l.opts.MaxAttempts {
				sub.Status = proto.StatusFailed
				sub.LastError = fmt.Sprintf("claim lease expired after %d attempts", sub.Attempts)
			} else {
				sub.Status = proto.StatusPending
				sub.LastError = "claim lease expired"
				q.ids = append(q.ids, id)
			}
			changed = append(changed, sweptEntry{id: id, status: sub.Status})
			swept = append(swept, id)
		}
		l.mu.Unlock()

		if len(changed) > 0 {
			q.cond.Broadcast()
		}
		q.mu.Unlock()

		// Notify outside the locks with the status captured at sweep time;
		// the map may have moved on by now.
		for _, e := range changed {
			if e.status == proto.StatusFailed {
				l.notify(EventFailed, e.id, role, e.status)
			} else {
				l.notify(EventRequeued, e.id, role, e.status)
			}
		}
	}
	return swept
}

// Run sweeps expired claims on an interval until ctx is canceled. Intended
// to run as a goroutine owned by the kernel.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SweepExpired()
		}
	}
}

// Reset drops all subtasks, reports, and claims. Blocked claimers stay
// blocked until their poll window expires.
func (l *Ledger) Reset() {
	// Hold every queue lock plus the ledger lock for the duration so no
	// claim can land between clearing the queues and clearing the entries.
	// Queue locks are taken in role order, before l.mu, matching the order
	// used everywhere else.
	roles := proto.AllRoles()
	for _, role := range roles {
		l.queues[role].mu.Lock()
	}
	l.mu.Lock()

	for _, role := range roles {
		q := l.queues[role]
		q.ids = nil
		q.claims = make(map[string]claimEntry)
	}
	l.subtasks = make(map[string]*proto.Subtask)
	l.reports = nil

	l.mu.Unlock()
	for i := len(roles) - 1; i >= 0; i-- {
		l.queues[roles[i]].mu.Unlock()
	}

	l.notify(EventReset, "", "", "")
}

// Get returns a copy of the subtask by id.
func (l *Ledger) Get(id string) (proto.Subtask, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sub, ok := l.subtasks[id]
	if !ok {
		return proto.Subtask{}, false
	}
	return *sub, true
}

// Subtasks returns copies of all subtasks sorted by creation time, then id.
func (l *Ledger) Subtasks() []proto.Subtask {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]proto.Subtask, 0, len(l.subtasks))
	for _, sub := range l.subtasks {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SubtaskStatuses returns the status of every known subtask keyed by id.
func (l *Ledger) SubtaskStatuses() map[string]proto.Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]proto.Status, len(l.subtasks))
	for id, sub := range l.subtasks {
		out[id] = sub.Status
	}
	return out
}

// StatusDistribution returns a count of subtasks per status.
func (l *Ledger) StatusDistribution() map[proto.Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[proto.Status]int)
	for _, sub := range l.subtasks {
		out[sub.Status]++
	}
	return out
}

// QueueSnapshot returns the role's queue for display: pending entries in
// FIFO order followed by processing entries ordered by claim time.
func (l *Ledger) QueueSnapshot(role proto.Role) []proto.QueueTask {
	q, ok := l.queues[role]
	if !ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]proto.QueueTask, 0, len(q.ids)+len(q.claims))
	for _, id := range q.ids {
		sub := l.subtasks[id]
		out = append(out, proto.QueueTask{ID: id, Filename: sub.Filename, Text: sub.Text, Status: sub.Status})
	}

	claimed := make([]string, 0, len(q.claims))
	for id := range q.claims {
		claimed = append(claimed, id)
	}
	sort.Slice(claimed, func(i, j int) bool {
		ci, cj := q.claims[claimed[i]], q.claims[claimed[j]]
		if ci.at.Equal(cj.at) {
			return claimed[i] < claimed[j]
		}
		return ci.at.Before(cj.at)
	})
	for _, id := range claimed {
		sub := l.subtasks[id]
		out = append(out, proto.QueueTask{ID: id, Filename: sub.Filename, Text: sub.Text, Status: sub.Status})
	}
	return out
}

// AllQueues returns every role's queue snapshot.
func (l *Ledger) AllQueues() map[proto.Role][]proto.QueueTask {
	out := make(map[proto.Role][]proto.QueueTask, len(l.queues))
	for _, role := range proto.AllRoles() {
		out[role] = l.QueueSnapshot(role)
	}
	return out
}

// PendingLen returns the number of pending subtasks for a role.
func (l *Ledger) PendingLen(role proto.Role) int {
	q, ok := l.queues[role]
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Reports returns a copy of all recorded reports in arrival order.
func (l *Ledger) Reports() []proto.Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]proto.Report, len(l.reports))
	copy(out, l.reports)
	return out
}

// ReportFor returns the most recent report recorded for a subtask.
func (l *Ledger) ReportFor(id string) (proto.Report, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.reports) - 1; i >= 0; i-- {
		if l.reports[i].SubtaskID == id {
			return l.reports[i], true
		}
	}
	return proto.Report{}, false
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
