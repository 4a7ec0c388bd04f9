package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/proto"
	"conductor/pkg/templates"
)

// refinementsExhausted is the failure reason recorded when a subtask
// burned through its refinement budget.
const refinementsExhausted = "RefinementsExhausted"

// handleAssignment runs one assignment cycle: poll the ledger, advance
// every file plan, and sleep. Returns phaseDone once every file settled.
func (c *Coordinator) handleAssignment(ctx context.Context) (phase, error) {
	if len(c.files) == 0 {
		c.logger.Warn("Agreed tree contains no files; nothing to do")
		return phaseDone, nil
	}

	subs, err := c.svc.Subtasks(ctx)
	if err != nil {
		c.svcFailures++
		if c.svcFailures >= maxConsecutiveServiceFailures {
			return phaseDone, fmt.Errorf("ledger poll gave up after %d consecutive failures: %w", c.svcFailures, err)
		}
		c.logger.Warn("Ledger poll failed (%d consecutive): %v", c.svcFailures, err)
		_ = c.sleep(ctx, c.cfg.Agents.Coordinator.SleepInterval())
		return phaseAssignment, nil
	}
	c.svcFailures = 0

	if !c.rebound {
		c.rebind(subs)
		c.rebound = true
	}

	active := countActive(subs)
	for _, f := range c.files {
		c.advance(ctx, c.plans[f], subs, &active)
	}

	settled, failed := c.tally()
	if settled == len(c.files) {
		c.logger.Info("All %d files reached a terminal state (%d failed). Target complete.", len(c.files), failed)
		return phaseDone, nil
	}
	if settled != c.lastSettled {
		c.lastSettled = settled
		c.logger.Info("Progress: %.1f%% (%d/%d files settled)",
			float64(settled)/float64(len(c.files))*100, settled, len(c.files))
	}

	interval := c.cfg.Agents.Coordinator.SleepInterval()
	if active > 0 {
		interval = c.cfg.Agents.Coordinator.ActiveSleepInterval()
	}
	_ = c.sleep(ctx, interval)
	return phaseAssignment, nil
}

// advance moves one file plan as far as the current ledger state allows.
func (c *Coordinator) advance(ctx context.Context, p *filePlan, subs map[string]proto.Subtask, active *int) {
	if p.settled {
		return
	}

	if p.executorID == "" {
		c.seedExecutor(ctx, p, active)
		return
	}
	exec, ok := subs[p.executorID]
	if !ok {
		c.logger.Debug("Executor subtask %s for %s missing from ledger", p.executorID, p.filename)
		return
	}

	switch exec.Status {
	case proto.StatusPending, proto.StatusProcessing:
		return
	case proto.StatusFailed:
		c.reemitExecutor(ctx, p, exec, active)
		return
	case proto.StatusCodeReceived:
		if !p.executorJudged && !c.judgeExecutor(ctx, p) {
			return
		}
	case proto.StatusAccepted:
	}

	if p.testable && !p.testerVerdict {
		waiting := c.progressTester(ctx, p, subs, active)
		if p.settled {
			return
		}
		if waiting && !c.cfg.Agents.Coordinator.ParallelFollowups {
			return
		}
	}

	if !c.progressDocumenter(ctx, p, subs, active) || p.settled {
		return
	}
	if p.testable && !p.testerVerdict {
		// Parallel follow-ups: documentation landed first, tests still out.
		return
	}

	p.settled = true
	c.logger.Info("File %s complete: implementation, tests, and documentation all accepted", p.filename)
}

// seedExecutor emits the initial executor subtask for a file.
func (c *Coordinator) seedExecutor(ctx context.Context, p *filePlan, active *int) {
	if !c.slotsFree(*active) {
		return
	}
	text, err := c.renderer.TaskText(proto.RoleExecutor, &templates.PromptData{
		Target:   c.cfg.Target,
		Filename: p.filename,
	})
	if err != nil {
		c.logger.Error("Failed to render executor task for %s: %v", p.filename, err)
		return
	}
	id, err := c.svc.EnqueueSubtask(ctx, proto.Subtask{
		Role:     proto.RoleExecutor,
		Filename: p.filename,
		Text:     text,
	})
	if err != nil {
		c.logger.Warn("Failed to enqueue executor subtask for %s: %v", p.filename, err)
		return
	}
	p.executorID = id
	*active++
	c.logger.Info("Enqueued executor subtask %s for %s", id, p.filename)
}

// judgeExecutor decides a code_received executor report against the
// executor threshold. Returns true when the report is valid and
// follow-ups may proceed.
func (c *Coordinator) judgeExecutor(ctx context.Context, p *filePlan) bool {
	rep, err := c.svc.ReportFor(ctx, p.executorID)
	if err != nil || rep == nil {
		c.logger.Debug("Executor report for %s not readable yet", p.executorID)
		return false
	}

	th := c.cfg.Thresholds[proto.RoleExecutor]
	if !th.Accepts(rep.Metrics) {
		c.logger.Info("Executor report for %s rejected: %s", p.filename, shortfall(th, rep.Metrics))
		c.refineExecutor(ctx, p, shortfall(th, rep.Metrics))
		return false
	}

	p.code = rep.Payload
	if !p.testable {
		// No tester gate for this file; the executor's own confidence is
		// the acceptance decision.
		if err := c.svc.Accept(ctx, p.executorID); err != nil {
			c.logger.Warn("Failed to accept executor subtask %s: %v", p.executorID, err)
			return false
		}
	}
	p.executorJudged = true
	c.logger.Info("Executor report for %s looks valid (confidence %.2f)", p.filename, th.Score(rep.Metrics))
	return true
}

// refineExecutor sends the executor subtask back with refined text, or
// fails it once the refinement budget is spent.
func (c *Coordinator) refineExecutor(ctx context.Context, p *filePlan, feedback string) {
	if p.refinements >= c.maxRefinements() {
		if err := c.svc.MarkFailed(ctx, p.executorID, refinementsExhausted); err != nil {
			c.logger.Warn("Failed to mark %s failed: %v", p.executorID, err)
			return
		}
		p.settled, p.failed = true, true
		c.logger.Warn("Giving up on %s after %d refinements", p.filename, p.refinements)
		return
	}

	attempt := p.refinements + 1
	text, err := c.renderer.Render(templates.RefinementTaskText, &templates.PromptData{
		Target:   c.cfg.Target,
		Filename: p.filename,
		Feedback: feedback,
		Attempt:  attempt,
	})
	if err != nil {
		c.logger.Error("Failed to render refinement for %s: %v", p.filename, err)
		return
	}
	if err := c.svc.Reject(ctx, p.executorID, text); err != nil {
		c.logger.Warn("Failed to reject executor subtask %s: %v", p.executorID, err)
		return
	}
	p.refinements = attempt
	p.executorJudged = false
	p.testerID, p.testerVerdict = "", false
	if p.documenterID != "" {
		// A documenter emitted in parallel mode now documents stale code;
		// abandon it and re-document once the refined code passes.
		p.documenterID = ""
	}
	c.logger.Info("Rejected executor subtask %s for %s (refinement attempt %d)", p.executorID, p.filename, attempt)
}

// reemitExecutor replaces a worker-failed executor subtask with a fresh
// refined one. Worker failures are terminal per subtask, so this emits a
// new id with the old one as parent.
func (c *Coordinator) reemitExecutor(ctx context.Context, p *filePlan, exec proto.Subtask, active *int) {
	if p.refinements >= c.maxRefinements() {
		p.settled, p.failed = true, true
		c.logger.Warn("Giving up on %s after %d refinements (executor failed: %s)", p.filename, p.refinements, exec.LastError)
		return
	}
	if !c.slotsFree(*active) {
		return
	}

	attempt := p.refinements + 1
	text, err := c.renderer.Render(templates.RefinementTaskText, &templates.PromptData{
		Target:   c.cfg.Target,
		Filename: p.filename,
		Feedback: "previous attempt failed: " + exec.LastError,
		Attempt:  attempt,
	})
	if err != nil {
		c.logger.Error("Failed to render refinement for %s: %v", p.filename, err)
		return
	}
	id, err := c.svc.EnqueueSubtask(ctx, proto.Subtask{
		Role:     proto.RoleExecutor,
		Filename: p.filename,
		Text:     text,
		ParentID: exec.ID,
	})
	if err != nil {
		c.logger.Warn("Failed to re-enqueue executor subtask for %s: %v", p.filename, err)
		return
	}
	p.executorID = id
	p.refinements = attempt
	p.executorJudged = false
	p.testerID, p.testerVerdict = "", false
	p.documenterID = ""
	*active++
	c.logger.Info("Re-emitted executor subtask %s for %s after failure (%s)", id, p.filename, exec.LastError)
}

// progressTester advances the tester leg. Returns true while the leg is
// unresolved; sequential mode holds the documenter back on that.
func (c *Coordinator) progressTester(ctx context.Context, p *filePlan, subs map[string]proto.Subtask, active *int) bool {
	if p.testerID == "" {
		c.emitFollowup(ctx, p, proto.RoleTester, active)
		return true
	}
	tst, ok := subs[p.testerID]
	if !ok {
		return true
	}

	switch tst.Status {
	case proto.StatusPending, proto.StatusProcessing:
		return true
	case proto.StatusCodeReceived, proto.StatusAccepted:
		// Accepted re-enters judgeTester when the verdict flag lagged the
		// service (restart, or a partial accept last cycle).
		c.judgeTester(ctx, p)
		return !p.testerVerdict
	case proto.StatusFailed:
		if p.testerRetries >= c.maxRefinements() {
			p.settled, p.failed = true, true
			c.logger.Warn("Giving up on %s: tests unavailable (%s)", p.filename, tst.LastError)
			return true
		}
		p.testerRetries++
		p.testerID = ""
		c.emitFollowup(ctx, p, proto.RoleTester, active)
		return true
	}
	return true
}

// judgeTester records the tester's evidence and lets its metrics decide
// the executor subtask's fate.
func (c *Coordinator) judgeTester(ctx context.Context, p *filePlan) {
	rep, err := c.svc.ReportFor(ctx, p.testerID)
	if err != nil || rep == nil {
		c.logger.Debug("Tester report for %s not readable yet", p.testerID)
		return
	}

	// The tester did its job either way; the verdict falls on the code.
	if err := c.svc.Accept(ctx, p.testerID); err != nil {
		c.logger.Warn("Failed to accept tester subtask %s: %v", p.testerID, err)
		return
	}

	th := c.cfg.Thresholds[proto.RoleTester]
	if th.Accepts(rep.Metrics) {
		if err := c.svc.Accept(ctx, p.executorID); err != nil {
			c.logger.Warn("Failed to accept executor subtask %s: %v", p.executorID, err)
			return
		}
		p.testerVerdict = true
		c.logger.Info("Tests for %s passed (confidence %.2f); executor subtask %s accepted",
			p.filename, th.Score(rep.Metrics), p.executorID)
		return
	}

	c.logger.Info("Tests for %s below threshold: %s", p.filename, shortfall(th, rep.Metrics))
	c.refineExecutor(ctx, p, shortfall(th, rep.Metrics))
}

// progressDocumenter advances the documenter leg. Returns true once the
// documenter subtask is accepted.
func (c *Coordinator) progressDocumenter(ctx context.Context, p *filePlan, subs map[string]proto.Subtask, active *int) bool {
	if p.documenterID == "" {
		c.emitFollowup(ctx, p, proto.RoleDocumenter, active)
		return false
	}
	doc, ok := subs[p.documenterID]
	if !ok {
		return false
	}

	switch doc.Status {
	case proto.StatusPending, proto.StatusProcessing:
		return false
	case proto.StatusCodeReceived:
		return c.judgeDocumenter(ctx, p, doc)
	case proto.StatusFailed:
		if p.docRetries >= c.maxRefinements() {
			p.settled, p.failed = true, true
			c.logger.Warn("Giving up on %s: documentation unavailable (%s)", p.filename, doc.LastError)
			return false
		}
		p.docRetries++
		p.documenterID = ""
		c.emitFollowup(ctx, p, proto.RoleDocumenter, active)
		return false
	case proto.StatusAccepted:
		return true
	}
	return false
}

// judgeDocumenter decides a documenter report against its threshold.
// Below the bar it requeues the same subtask with unchanged text; the
// documenter's instructions do not refine, the attempt just reruns.
func (c *Coordinator) judgeDocumenter(ctx context.Context, p *filePlan, doc proto.Subtask) bool {
	rep, err := c.svc.ReportFor(ctx, p.documenterID)
	if err != nil || rep == nil {
		c.logger.Debug("Documenter report for %s not readable yet", p.documenterID)
		return false
	}

	th := c.cfg.Thresholds[proto.RoleDocumenter]
	if th.Accepts(rep.Metrics) {
		if err := c.svc.Accept(ctx, p.documenterID); err != nil {
			c.logger.Warn("Failed to accept documenter subtask %s: %v", p.documenterID, err)
			return false
		}
		c.logger.Info("Documentation for %s accepted (confidence %.2f)", p.filename, th.Score(rep.Metrics))
		return true
	}

	if p.docRetries >= c.maxRefinements() {
		if err := c.svc.MarkFailed(ctx, p.documenterID, refinementsExhausted); err != nil {
			c.logger.Warn("Failed to mark %s failed: %v", p.documenterID, err)
			return false
		}
		p.settled, p.failed = true, true
		c.logger.Warn("Giving up on documentation for %s after %d attempts", p.filename, p.docRetries)
		return false
	}
	p.docRetries++
	if err := c.svc.Reject(ctx, p.documenterID, doc.Text); err != nil {
		c.logger.Warn("Failed to reject documenter subtask %s: %v", p.documenterID, err)
		p.docRetries--
		return false
	}
	c.logger.Info("Documentation for %s below threshold (%s); requeued (attempt %d)",
		p.filename, shortfall(th, rep.Metrics), p.docRetries)
	return false
}

// emitFollowup enqueues a tester or documenter subtask carrying the
// executor's payload as the code under work.
func (c *Coordinator) emitFollowup(ctx context.Context, p *filePlan, role proto.Role, active *int) {
	if !c.slotsFree(*active) {
		return
	}
	if p.code == "" {
		// Restart path: the payload lives in the ledger, not in memory.
		rep, err := c.svc.ReportFor(ctx, p.executorID)
		if err != nil || rep == nil || rep.Payload == "" {
			c.logger.Debug("Executor payload for %s not readable yet", p.executorID)
			return
		}
		p.code = rep.Payload
	}
	text, err := c.renderer.TaskText(role, &templates.PromptData{
		Target:   c.cfg.Target,
		Filename: p.filename,
	})
	if err != nil {
		c.logger.Error("Failed to render %s task for %s: %v", role, p.filename, err)
		return
	}
	id, err := c.svc.EnqueueSubtask(ctx, proto.Subtask{
		Role:     role,
		Filename: p.filename,
		Text:     text,
		Code:     p.code,
		ParentID: p.executorID,
	})
	if err != nil {
		c.logger.Warn("Failed to enqueue %s subtask for %s: %v", role, p.filename, err)
		return
	}
	switch role {
	case proto.RoleTester:
		p.testerID = id
	case proto.RoleDocumenter:
		p.documenterID = id
	case proto.RoleExecutor:
	}
	*active++
	c.logger.Info("Enqueued %s subtask %s for %s", role, id, p.filename)
}

// rebind re-attaches ledger subtasks to file plans after a restart, so a
// re-launched coordinator resumes instead of re-seeding accepted work.
// Refinement budgets restart fresh; the ledger's attempt counter mixes
// lease re-enqueues in and cannot reconstruct them.
func (c *Coordinator) rebind(subs map[string]proto.Subtask) {
	for id, sub := range subs {
		p, ok := c.plans[sub.Filename]
		if !ok {
			continue
		}
		switch sub.Role {
		case proto.RoleExecutor:
			if c.newer(subs, id, p.executorID) {
				p.executorID = id
			}
		case proto.RoleTester:
			if c.newer(subs, id, p.testerID) {
				p.testerID = id
			}
		case proto.RoleDocumenter:
			if c.newer(subs, id, p.documenterID) {
				p.documenterID = id
			}
		}
	}

	bound := 0
	for _, p := range c.plans {
		if p.executorID == "" {
			continue
		}
		bound++
		if subs[p.executorID].Status == proto.StatusAccepted {
			p.executorJudged = true
			if p.testable && p.testerID != "" && subs[p.testerID].Status == proto.StatusAccepted {
				p.testerVerdict = true
			}
		}
	}
	if bound > 0 {
		c.logger.Info("Rebound %d files to existing ledger subtasks", bound)
	}
}

// newer reports whether candidate was created after current. An empty
// current always loses.
func (c *Coordinator) newer(subs map[string]proto.Subtask, candidate, current string) bool {
	if current == "" {
		return true
	}
	return subs[candidate].CreatedAt.After(subs[current].CreatedAt)
}

// tally counts settled plans and how many of those gave up.
func (c *Coordinator) tally() (settled, failed int) {
	for _, p := range c.plans {
		if p.settled {
			settled++
			if p.failed {
				failed++
			}
		}
	}
	return settled, failed
}

func (c *Coordinator) slotsFree(active int) bool {
	limit := c.cfg.Agents.Coordinator.MaxConcurrentTasks
	return limit <= 0 || active < limit
}

func (c *Coordinator) maxRefinements() int {
	return c.cfg.Agents.Coordinator.MaxRefinements
}

// countActive counts subtasks that occupy a concurrency slot: queued or
// claimed. Reports awaiting a verdict do not block new emissions.
func countActive(subs map[string]proto.Subtask) int {
	n := 0
	for _, sub := range subs {
		if sub.Status == proto.StatusPending || sub.Status == proto.StatusProcessing {
			n++
		}
	}
	return n
}

// shortfall formats why a report missed its threshold, naming each
// weighted metric.
func shortfall(th config.Threshold, metrics map[string]float64) string {
	names := make([]string, 0, len(th.Weights))
	for name := range th.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.2f", name, metrics[name]))
	}
	return fmt.Sprintf("confidence %.2f below threshold %.2f: %s",
		th.Score(metrics), th.Threshold, strings.Join(parts, ", "))
}
