// Package coordinator drives a target to completion: it aligns on a
// file tree with the structurer, seeds executor subtasks, judges the
// reports that come back against the configured confidence thresholds,
// and emits tester and documenter follow-ups until every file reaches a
// terminal state.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/structure"
	"conductor/pkg/templates"
)

const (
	// structurePollInterval paces the alignment wait for a snapshot.
	structurePollInterval = 5 * time.Second
	// alignmentRevisionWindow is how long the coordinator watches for a
	// structurer counter-revision after asserting its own tree.
	alignmentRevisionWindow = 30 * time.Second
	// maxConsecutiveServiceFailures bounds ledger-poll failures before
	// the coordinator gives up on an unreachable service.
	maxConsecutiveServiceFailures = 10
)

// Service is the slice of the orchestrator surface the coordinator
// calls. *client.Client satisfies it.
type Service interface {
	EnqueueSubtask(ctx context.Context, sub proto.Subtask) (string, error)
	Subtasks(ctx context.Context) (map[string]proto.Subtask, error)
	ReportFor(ctx context.Context, id string) (*proto.Report, error)
	Accept(ctx context.Context, id string) error
	Reject(ctx context.Context, id, refinedText string) error
	MarkFailed(ctx context.Context, id, reason string) error
	FetchStructure(ctx context.Context) (proto.Tree, error)
	PostStructure(ctx context.Context, tree proto.Tree) error
}

// phase names one stage of the coordinator's run.
type phase string

const (
	phaseAlignment  phase = "ALIGNMENT"
	phaseAssignment phase = "ASSIGNMENT"
	phaseDone       phase = "DONE"
)

// filePlan tracks one file's progression through executor, tester, and
// documenter work.
type filePlan struct {
	filename string
	testable bool

	executorID   string
	testerID     string
	documenterID string

	// executorJudged marks the current code_received executor report as
	// already decided, so follow-ups are not re-emitted every cycle.
	executorJudged bool
	// testerVerdict is set once a tester report cleared its threshold
	// and the executor subtask was accepted on its strength.
	testerVerdict bool
	// code is the latest executor payload, embedded into follow-ups.
	code string

	refinements   int // executor rejections and re-emissions spent
	testerRetries int // tester re-emissions after worker-side failures
	docRetries    int // documenter retries and re-emissions

	settled bool // no further work for this file
	failed  bool // settled without full acceptance
}

// Coordinator is the planning agent.
type Coordinator struct {
	cfg      config.Config
	svc      Service
	provider llm.Client
	renderer *templates.Renderer
	logger   *logx.Logger

	phase       phase
	files       []string
	plans       map[string]*filePlan
	rebound     bool
	svcFailures int
	lastSettled int

	pollInterval   time.Duration
	revisionWindow time.Duration
}

// New assembles a coordinator. The configured target must be non-empty;
// there is nothing to plan without one.
func New(cfg config.Config, svc Service, provider llm.Client) (*Coordinator, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("no target configured")
	}
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}
	return &Coordinator{
		cfg:            cfg,
		svc:            svc,
		provider:       provider,
		renderer:       renderer,
		logger:         logx.NewLogger(proto.AgentCoordinator.String()),
		plans:          make(map[string]*filePlan),
		pollInterval:   structurePollInterval,
		revisionWindow: alignmentRevisionWindow,
	}, nil
}

// Run executes the phase machine until the target completes or ctx is
// canceled. Cancellation is a clean stop, not an error.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Coordinator started with target: %s", c.cfg.Target)
	c.phase = phaseAlignment

	for c.phase != phaseDone {
		if ctx.Err() != nil {
			c.logger.Info("Coordinator stopped")
			return nil
		}
		next, err := c.processPhase(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Coordinator stopped")
				return nil
			}
			return fmt.Errorf("%s phase failed: %w", c.phase, err)
		}
		c.phase = next
	}

	c.logger.Info("Target complete. Coordinator exiting.")
	return nil
}

func (c *Coordinator) processPhase(ctx context.Context) (phase, error) {
	switch c.phase {
	case phaseAlignment:
		return c.handleAlignment(ctx)
	case phaseAssignment:
		return c.handleAssignment(ctx)
	case phaseDone:
		return phaseDone, nil
	default:
		return phaseDone, fmt.Errorf("unknown phase: %s", c.phase)
	}
}

// handleAlignment agrees a file tree with the structurer and derives the
// per-file plans from it.
func (c *Coordinator) handleAlignment(ctx context.Context) (phase, error) {
	own := c.proposeTree(ctx)

	theirs, err := c.awaitStructure(ctx)
	if err != nil {
		if own == nil {
			return phaseDone, fmt.Errorf("no structure from the structurer and no own proposal: %w", err)
		}
		// The structurer is late or down; assert the own tree so it (and
		// the UI) pick it up whenever it appears.
		c.logger.Warn("No structure snapshot within %s; asserting own proposal", c.cfg.Agents.Coordinator.StructureTimeout())
		if postErr := c.svc.PostStructure(ctx, own); postErr != nil {
			return phaseDone, fmt.Errorf("failed to post own structure: %w", postErr)
		}
		c.adopt(own)
		return phaseAssignment, nil
	}

	agreed := c.negotiate(ctx, own, theirs)
	c.adopt(agreed)
	return phaseAssignment, nil
}

// proposeTree asks the provider for the coordinator's own tree proposal.
// A nil return means the coordinator has no confident proposal and will
// take the structurer's.
func (c *Coordinator) proposeTree(ctx context.Context) proto.Tree {
	data := &templates.PromptData{Target: c.cfg.Target}
	system, err := c.renderer.Render(templates.AlignmentSystemPrompt, data)
	if err != nil {
		c.logger.Error("Failed to render alignment prompt: %v", err)
		return nil
	}
	user, err := c.renderer.Render(templates.AlignmentUserPrompt, data)
	if err != nil {
		c.logger.Error("Failed to render alignment prompt: %v", err)
		return nil
	}

	params := c.cfg.Agents.Coordinator.Model
	if err := agent.Pause(ctx, c.cfg.Agents.Coordinator.Delay); err != nil {
		return nil
	}
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(system),
			llm.NewUserMessage(user),
		},
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	})
	if err != nil {
		c.logger.Warn("Own tree proposal failed (%v); will take the structurer's", err)
		return nil
	}

	raw, ok := templates.ExtractFencedJSON(resp.Content)
	if !ok {
		c.logger.Warn("Tree proposal carried no fenced JSON; will take the structurer's")
		return nil
	}
	var tree proto.Tree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		c.logger.Warn("Tree proposal did not parse (%v); will take the structurer's", err)
		return nil
	}
	if structure.CountFiles(tree) == 0 {
		c.logger.Warn("Tree proposal contained no files; will take the structurer's")
		return nil
	}
	c.logger.Info("Proposed a tree with %d files", structure.CountFiles(tree))
	return tree
}

// awaitStructure polls for a non-empty structure snapshot until the
// configured timeout.
func (c *Coordinator) awaitStructure(ctx context.Context) (proto.Tree, error) {
	c.logger.Info("Waiting for the structurer's snapshot...")
	deadline := time.Now().Add(c.cfg.Agents.Coordinator.StructureTimeout())
	for {
		tree, err := c.svc.FetchStructure(ctx)
		if err != nil {
			c.logger.Warn("Structure fetch failed: %v", err)
		} else if len(tree) > 0 {
			c.logger.Info("Structure received (%d files)", structure.CountFiles(tree))
			return tree, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("structure not available after %s", c.cfg.Agents.Coordinator.StructureTimeout())
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

// negotiate resolves the coordinator's proposal against the structurer's
// snapshot. The coordinator accepts the counter-proposal only when it
// has no tree of its own; otherwise it asserts its own, watches one
// revision window, and insists if the structurer counters again.
func (c *Coordinator) negotiate(ctx context.Context, own, theirs proto.Tree) proto.Tree {
	if own == nil {
		c.logger.Info("Adopting the structurer's tree")
		return theirs
	}
	if structure.Equal(own, theirs) {
		c.logger.Info("Structurer's tree matches own proposal")
		return theirs
	}

	c.logger.Info("Trees differ (own %d files, structurer %d); asserting own",
		structure.CountFiles(own), structure.CountFiles(theirs))
	if err := c.svc.PostStructure(ctx, own); err != nil {
		c.logger.Warn("Failed to assert own tree (%v); adopting the structurer's", err)
		return theirs
	}

	window := time.Now().Add(c.revisionWindow)
	for time.Now().Before(window) {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return own
		}
		current, err := c.svc.FetchStructure(ctx)
		if err != nil {
			continue
		}
		if !structure.Equal(current, own) {
			// One revision is the structurer's prerogative; past that the
			// coordinator's tree stands verbatim.
			c.logger.Info("Structurer revised the tree; insisting on own")
			if err := c.svc.PostStructure(ctx, own); err != nil {
				c.logger.Warn("Failed to re-assert own tree: %v", err)
			}
			break
		}
	}
	return own
}

// adopt fixes the agreed tree as the plan of record. Files the
// structurer adds to the snapshot later (derived test files, say) do not
// grow the plan; the target is the agreed tree.
func (c *Coordinator) adopt(tree proto.Tree) {
	c.files = structure.Files(tree)
	c.plans = make(map[string]*filePlan, len(c.files))
	for _, f := range c.files {
		c.plans[f] = &filePlan{filename: f, testable: structure.IsTestable(f)}
	}
	testable := 0
	for _, p := range c.plans {
		if p.testable {
			testable++
		}
	}
	c.logger.Info("Tree agreed: %d files to implement, %d to test, %d to document",
		len(c.files), testable, len(c.files))
}

// sleep pauses for d, returning ctx.Err() on cancellation.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
