// Package worker runs one role agent: claim a subtask addressed to the
// role, generate content with the provider, strip fence wrappers, and
// report back. Executor, tester, and documenter all run this loop,
// parameterized by role.
package worker

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/templates"
)

// maxConsecutiveClaimFailures bounds how long the worker keeps asking an
// unreachable service before giving up. The supervisor treats the
// resulting exit as abnormal and respawns with backoff.
const maxConsecutiveClaimFailures = 10

// Service is the slice of the orchestrator surface the worker calls.
// *client.Client satisfies it.
type Service interface {
	ClaimTask(ctx context.Context, role proto.Role) (*proto.Subtask, error)
	SubmitReport(ctx context.Context, rep proto.Report) error
	Heartbeat(ctx context.Context, subtaskID string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Worker is one role agent.
type Worker struct {
	role     proto.Role
	cfg      config.WorkerConfig
	svc      Service
	provider llm.Client
	renderer *templates.Renderer
	tokens   *templates.TokenCounter
	logger   *logx.Logger
}

// New assembles a worker for one role.
func New(role proto.Role, cfg config.Config, svc Service, provider llm.Client) (*Worker, error) {
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}
	wcfg := cfg.Worker(role)
	tokens, err := templates.NewTokenCounter(wcfg.Model.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	return &Worker{
		role:     role,
		cfg:      wcfg,
		svc:      svc,
		provider: provider,
		renderer: renderer,
		tokens:   tokens,
		logger:   logx.NewLogger(role.String()),
	}, nil
}

// Run claims and processes subtasks until ctx is canceled. A nil claim
// means the queue stayed empty past the service's poll timeout; the
// worker rests its idle interval and re-asks. The error is non-nil only
// when the claim loop gives up on an unreachable service.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("%s worker started", w.role)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("%s worker stopped", w.role)
			return nil
		default:
		}

		sub, err := w.svc.ClaimTask(ctx, w.role)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("%s worker stopped", w.role)
				return nil
			}
			failures++
			if failures >= maxConsecutiveClaimFailures {
				return fmt.Errorf("claim loop gave up after %d consecutive failures: %w", failures, err)
			}
			w.logger.Warn("Claim failed (%d consecutive): %v", failures, err)
			w.rest(ctx)
			continue
		}
		failures = 0

		if sub == nil {
			w.rest(ctx)
			continue
		}
		w.process(ctx, sub)
	}
}

// process runs one claimed subtask to a report or a failure mark.
func (w *Worker) process(ctx context.Context, sub *proto.Subtask) {
	start := time.Now()
	w.logger.Info("Processing subtask %s for %s", sub.ID, sub.Filename)

	if sub.Role != w.role {
		w.fail(ctx, sub.ID, fmt.Sprintf("role mismatch: %s worker claimed a %s subtask", w.role, sub.Role))
		return
	}
	// Tester and documenter prompts embed the current file content; a
	// follow-up without it cannot produce anything useful.
	if w.role != proto.RoleExecutor && sub.Code == "" {
		w.fail(ctx, sub.ID, "MissingCode")
		return
	}

	// Claim heartbeat, then keep the lease warm while generating.
	if err := w.svc.Heartbeat(ctx, sub.ID); err != nil {
		w.logger.Warn("Heartbeat for %s failed: %v", sub.ID, err)
	}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go w.keepLease(hbCtx, sub.ID, hbDone)

	payload, err := w.generate(ctx, sub)
	stopHeartbeat()
	<-hbDone

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-generation: let the lease expire so the
			// subtask re-enqueues for the next worker.
			return
		}
		w.fail(ctx, sub.ID, llmerrors.TypeOf(err).String())
		return
	}

	payload = templates.StripFences(payload)
	if !utf8.ValidString(payload) {
		w.fail(ctx, sub.ID, "BinaryPayload")
		return
	}

	// An empty payload is still submitted; its zero metrics keep it
	// below any acceptance threshold and the coordinator refines.
	report := proto.Report{
		Type:       reportType(w.role),
		SubtaskID:  sub.ID,
		Role:       w.role,
		Filename:   sub.Filename,
		Payload:    payload,
		Metrics:    deriveMetrics(w.role, payload),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err := w.svc.SubmitReport(ctx, report); err != nil {
		// The lease expires and the subtask re-enqueues; nothing to unwind.
		w.logger.Error("Failed to submit report for %s: %v", sub.ID, err)
		return
	}
	if err := w.svc.Heartbeat(ctx, sub.ID); err != nil {
		w.logger.Debug("Post-submit heartbeat for %s failed: %v", sub.ID, err)
	}
	w.logger.Info("Submitted %s report for %s (%s) in %s",
		report.Type, sub.ID, sub.Filename, time.Since(start).Round(time.Millisecond))
}

// generate renders the role prompts and calls the provider. The user
// prompt is clamped to the configured token budget first.
func (w *Worker) generate(ctx context.Context, sub *proto.Subtask) (string, error) {
	system, user, err := w.renderer.RolePrompts(w.role, &templates.PromptData{
		Filename: sub.Filename,
		Task:     sub.Text,
		Code:     sub.Code,
	})
	if err != nil {
		return "", err
	}
	user = w.tokens.TruncateToTokenLimit(user, w.cfg.Model.MaxTokens)

	if err := agent.Pause(ctx, w.cfg.Delay); err != nil {
		return "", err
	}

	resp, err := w.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(system),
			llm.NewUserMessage(user),
		},
		MaxTokens:   w.cfg.Model.MaxTokens,
		Temperature: w.cfg.Model.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// keepLease renews the claim while generation runs. Without it a slow
// provider call would outlive the lease and the subtask would be handed
// to another worker mid-flight.
func (w *Worker) keepLease(ctx context.Context, id string, done chan<- struct{}) {
	defer close(done)
	interval := w.cfg.HeartbeatInterval()
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := w.svc.Heartbeat(ctx, id); err != nil {
				w.logger.Debug("Lease heartbeat for %s failed: %v", id, err)
			}
		}
	}
}

// fail marks the subtask failed. A failure here is terminal for this
// attempt; the coordinator decides whether to re-emit.
func (w *Worker) fail(ctx context.Context, id, reason string) {
	w.logger.Warn("Subtask %s failed: %s", id, reason)
	if err := w.svc.MarkFailed(ctx, id, reason); err != nil {
		w.logger.Error("Failed to mark %s failed: %v", id, err)
	}
}

// rest sleeps the idle interval, returning early on cancellation.
func (w *Worker) rest(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.IdleSleep()):
	}
}

// reportType maps a role to the report tag it submits. The documenter
// ships documented code, so its reports are code reports too.
func reportType(role proto.Role) proto.ReportType {
	if role == proto.RoleTester {
		return proto.ReportTestResult
	}
	return proto.ReportCode
}
