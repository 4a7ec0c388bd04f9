// Package supervisor runs each agent as a child process and enforces
// the restart policy: respawn abnormal exits with capped exponential
// backoff, give up after too many failures inside one window, stop
// with a grace period before killing.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Options configures a Supervisor. Zero values fall back to defaults.
type Options struct {
	// ServerURL is the orchestrator endpoint handed to each agent.
	ServerURL string
	// Binary overrides the agent executable; empty means the running
	// binary re-invoked in agent mode.
	Binary string
	// Dir is the working directory agent processes start in.
	Dir string
	// Grace bounds a polite stop before the process is killed.
	Grace time.Duration
	// BackoffBase and BackoffMax shape the respawn delay after an
	// abnormal exit: base, doubling per consecutive failure, capped.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// WindowFailures and Window set the give-up rule: more than
	// WindowFailures abnormal exits inside one Window marks the agent
	// failed until an operator starts it again.
	WindowFailures int
	Window         time.Duration
	// Runner overrides process launching. Tests script it.
	Runner Runner
}

const (
	defaultGrace       = 10 * time.Second
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultWindowFails = 5
	defaultWindow      = time.Minute

	// killGrace bounds the wait after Kill before giving up on reaping.
	killGrace = 2 * time.Second
)

// agentState is one agent's lifecycle record: what the operator wants,
// what the process is doing, and the failure accounting behind the
// restart policy.
type agentState struct {
	desired bool
	running bool
	active  bool // supervise loop alive

	totalRestarts int
	windowStart   time.Time
	windowFails   int
	backoff       time.Duration
	lastErr       string

	handle Handle
	done   chan struct{}
	kick   chan struct{}
}

// Supervisor owns the agent processes. It satisfies the web layer's
// Lifecycle so operators drive it over HTTP.
type Supervisor struct {
	mu     sync.Mutex
	ctx    context.Context //nolint:containedctx // Run-lifetime parent for agent loops
	agents map[proto.AgentID]*agentState
	notify func()

	opts   Options
	runner Runner
	logger *logx.Logger
}

// New creates a supervisor. Call Start before starting agents.
func New(opts Options) *Supervisor {
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.WindowFailures <= 0 {
		opts.WindowFailures = defaultWindowFails
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	runner := opts.Runner
	if runner == nil {
		runner = &ExecRunner{Binary: opts.Binary, ServerURL: opts.ServerURL, Dir: opts.Dir}
	}
	return &Supervisor{
		agents: make(map[proto.AgentID]*agentState),
		opts:   opts,
		runner: runner,
		logger: logx.NewLogger("supervisor"),
	}
}

// Start binds the supervisor to its lifetime context. Agents started
// afterwards run as children of ctx.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// SetNotify wires a state-change hook, called after every run-state
// transition so the kernel can broadcast fresh agent status.
func (s *Supervisor) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *Supervisor) notifyState() {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// StartAgent launches one agent and supervises it until it finishes,
// is stopped, or exhausts its restart budget. Starting a running agent
// is a no-op; starting a failed one resets its budget.
func (s *Supervisor) StartAgent(id proto.AgentID) error {
	if _, err := proto.ParseAgentID(string(id)); err != nil {
		return err
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is not started")
	}
	st, ok := s.agents[id]
	if !ok {
		st = &agentState{}
		s.agents[id] = st
	}
	if st.active {
		if st.desired {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return fmt.Errorf("agent %s is still stopping", id)
	}
	st.desired = true
	st.lastErr = ""
	st.windowStart = time.Time{}
	st.windowFails = 0
	st.backoff = 0
	st.active = true
	st.done = make(chan struct{})
	st.kick = make(chan struct{}, 1)
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Starting agent %s", id)
	go s.supervise(ctx, id, st)
	s.notifyState()
	return nil
}

// StopAgent stops one agent: polite signal, grace period, then kill.
// Stopping an agent that is not running is a no-op.
func (s *Supervisor) StopAgent(id proto.AgentID) error {
	if _, err := proto.ParseAgentID(string(id)); err != nil {
		return err
	}

	s.mu.Lock()
	st, ok := s.agents[id]
	if !ok || !st.active {
		s.mu.Unlock()
		return nil
	}
	st.desired = false
	h := st.handle
	done := st.done
	select {
	case st.kick <- struct{}{}:
	default:
	}
	s.mu.Unlock()

	s.logger.Info("Stopping agent %s", id)
	if h != nil {
		if err := h.Stop(); err != nil {
			s.logger.Debug("Stop signal for %s: %v", id, err)
		}
	}

	select {
	case <-done:
	case <-time.After(s.opts.Grace):
		s.logger.Warn("Agent %s ignored stop, killing", id)
		if h != nil {
			if err := h.Kill(); err != nil {
				s.logger.Debug("Kill for %s: %v", id, err)
			}
		}
		select {
		case <-done:
		case <-time.After(killGrace):
			s.logger.Error("Agent %s did not exit after kill", id)
		}
	}
	return nil
}

// StopAll stops every supervised agent concurrently and waits for
// their loops to exit. Used at orchestrator shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]proto.AgentID, 0, len(s.agents))
	for id, st := range s.agents {
		if st.active {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id proto.AgentID) {
			defer wg.Done()
			if err := s.StopAgent(id); err != nil {
				s.logger.Warn("Failed to stop %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// RunStates reports every agent's run-state, zero-valued for agents
// that were never started.
func (s *Supervisor) RunStates() map[proto.AgentID]proto.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[proto.AgentID]proto.RunState, len(proto.AllAgents()))
	for _, id := range proto.AllAgents() {
		st, ok := s.agents[id]
		if !ok {
			out[id] = proto.RunState{}
			continue
		}
		out[id] = proto.RunState{
			Running:   st.running,
			Restarts:  st.totalRestarts,
			LastError: st.lastErr,
		}
	}
	return out
}

// supervise is one agent's spawn-wait-respawn loop. It exits on clean
// agent completion, operator stop, context cancellation, or an
// exhausted restart budget.
func (s *Supervisor) supervise(ctx context.Context, id proto.AgentID, st *agentState) {
	defer func() {
		s.mu.Lock()
		st.active = false
		st.running = false
		st.handle = nil
		s.mu.Unlock()
		close(st.done)
		s.notifyState()
	}()

	for {
		handle, err := s.runner.Start(ctx, id)
		if err != nil {
			s.logger.Error("Failed to launch %s: %v", id, err)
			if !s.recordFailure(id, st, err) {
				return
			}
		} else {
			s.markRunning(id, st, handle)

			waitDone := make(chan struct{})
			go s.watchCancel(ctx, handle, waitDone)
			err = handle.Wait()
			close(waitDone)

			if s.clearRunning(ctx, st) {
				s.logger.Info("Agent %s stopped", id)
				return
			}
			if err == nil {
				s.markFinished(id, st)
				return
			}
			s.logger.Warn("Agent %s exited abnormally: %v", id, err)
			if !s.recordFailure(id, st, err) {
				return
			}
		}

		if !s.sleepBackoff(ctx, st) {
			return
		}
	}
}

// markRunning publishes the live handle. A stop that raced the spawn
// is honored by signaling the fresh process right away.
func (s *Supervisor) markRunning(id proto.AgentID, st *agentState, h Handle) {
	s.mu.Lock()
	st.running = true
	st.handle = h
	st.lastErr = ""
	stopRaced := !st.desired
	s.mu.Unlock()

	s.logger.Info("Agent %s running", id)
	s.notifyState()
	if stopRaced {
		_ = h.Stop()
	}
}

// clearRunning records the exit and reports whether the loop should
// end because the operator (or shutdown) asked for it.
func (s *Supervisor) clearRunning(ctx context.Context, st *agentState) bool {
	s.mu.Lock()
	st.running = false
	st.handle = nil
	desired := st.desired
	s.mu.Unlock()
	s.notifyState()
	return ctx.Err() != nil || !desired
}

// markFinished retires an agent that exited cleanly: the coordinator
// does this when the target is complete.
func (s *Supervisor) markFinished(id proto.AgentID, st *agentState) {
	s.mu.Lock()
	st.desired = false
	st.lastErr = ""
	s.mu.Unlock()
	s.logger.Info("Agent %s finished cleanly", id)
	s.notifyState()
}

// recordFailure applies the restart policy to one abnormal exit.
// Returns false when the loop must end: either a stop raced the
// failure, or the agent exceeded its budget and is now failed.
func (s *Supervisor) recordFailure(id proto.AgentID, st *agentState, cause error) bool {
	s.mu.Lock()
	if !st.desired {
		s.mu.Unlock()
		return false
	}

	now := time.Now()
	if st.windowStart.IsZero() || now.Sub(st.windowStart) > s.opts.Window {
		st.windowStart = now
		st.windowFails = 0
	}
	st.windowFails++
	st.totalRestarts++
	st.lastErr = cause.Error()

	if st.windowFails > s.opts.WindowFailures {
		st.desired = false
		st.lastErr = fmt.Sprintf("gave up after %d failures in %s: %v", st.windowFails, s.opts.Window, cause)
		s.mu.Unlock()
		s.logger.Error("Agent %s exceeded its restart budget, awaiting operator", id)
		s.notifyState()
		return false
	}

	if st.backoff <= 0 {
		st.backoff = s.opts.BackoffBase
	} else if st.backoff < s.opts.BackoffMax {
		st.backoff *= 2
		if st.backoff > s.opts.BackoffMax {
			st.backoff = s.opts.BackoffMax
		}
	}
	backoff := st.backoff
	fails := st.windowFails
	s.mu.Unlock()

	s.logger.Info("Respawning %s in %s (failure %d/%d in window)", id, backoff, fails, s.opts.WindowFailures)
	s.notifyState()
	return true
}

// sleepBackoff pauses before a respawn. Returns false when the pause
// was interrupted by a stop or by shutdown.
func (s *Supervisor) sleepBackoff(ctx context.Context, st *agentState) bool {
	s.mu.Lock()
	d := st.backoff
	kick := st.kick
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-kick:
		return false
	case <-timer.C:
	}

	s.mu.Lock()
	desired := st.desired
	s.mu.Unlock()
	return desired
}

// watchCancel ties a process to the supervisor's context: on
// cancellation the process is signaled, then killed after the grace
// period if it lingers.
func (s *Supervisor) watchCancel(ctx context.Context, h Handle, waitDone <-chan struct{}) {
	select {
	case <-waitDone:
	case <-ctx.Done():
		_ = h.Stop()
		select {
		case <-waitDone:
		case <-time.After(s.opts.Grace):
			_ = h.Kill()
		}
	}
}
