// Package structurer runs the structure agent: it proposes the file
// tree for the target during alignment, materializes the agreed tree as
// an initial commit, and then persists every worker report into the
// repository, re-publishing the snapshot after each write. It is the
// only component that writes through the repository gateway.
package structurer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/config"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/structure"
	"conductor/pkg/templates"
)

const (
	// proposalWatchWindow is how long the structurer watches for a
	// coordinator counter-proposal after posting its own tree.
	proposalWatchWindow = 30 * time.Second
	// maxConsecutiveSweepFailures bounds ledger-poll failures before the
	// structurer gives up on an unreachable service.
	maxConsecutiveSweepFailures = 10
	// maxPersistAttempts bounds write retries for one report before it
	// is abandoned.
	maxPersistAttempts = 3
)

// initialCommitMessage labels the materialization commit.
const initialCommitMessage = "Created initial project structure"

// Service is the slice of the orchestrator surface the structurer
// calls. *client.Client satisfies it.
type Service interface {
	FetchStructure(ctx context.Context) (proto.Tree, error)
	PostStructure(ctx context.Context, tree proto.Tree) error
	Subtasks(ctx context.Context) (map[string]proto.Subtask, error)
	ReportFor(ctx context.Context, id string) (*proto.Report, error)
	StructurerReport(ctx context.Context, status, details string) error
}

// persistState tracks one subtask's write into the repository, keyed by
// its attempt count: a refined subtask lands a fresh report under the
// same id, which must be written out again.
type persistState struct {
	attempt  int
	done     bool
	failures int
}

// Structurer is the structure agent.
type Structurer struct {
	cfg      config.StructurerConfig
	target   string
	svc      Service
	repo     *gateway.Gateway
	provider llm.Client
	renderer *templates.Renderer
	logger   *logx.Logger

	states      map[string]*persistState
	svcFailures int

	pollInterval time.Duration
	watchWindow  time.Duration
}

// New assembles a structurer over the given repository gateway. The
// configured target must be non-empty; there is no tree to propose
// without one.
func New(cfg config.Config, svc Service, repo *gateway.Gateway, provider llm.Client) (*Structurer, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("no target configured")
	}
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}
	scfg := cfg.Agents.Structurer
	return &Structurer{
		cfg:          scfg,
		target:       cfg.Target,
		svc:          svc,
		repo:         repo,
		provider:     provider,
		renderer:     renderer,
		logger:       logx.NewLogger(proto.AgentStructurer.String()),
		states:       make(map[string]*persistState),
		pollInterval: scfg.PollInterval(),
		watchWindow:  proposalWatchWindow,
	}, nil
}

// Run executes the structurer until ctx is canceled: agree on a tree,
// materialize it, then persist reports as they land. Cancellation is a
// clean stop, not an error.
func (s *Structurer) Run(ctx context.Context) error {
	s.logger.Info("Structurer started with target: %s", s.target)
	if err := s.repo.Init(ctx); err != nil {
		return fmt.Errorf("repository not usable: %w", err)
	}

	agreed, err := s.align(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("Structurer stopped")
			return nil
		}
		return fmt.Errorf("alignment failed: %w", err)
	}
	s.materialize(ctx, agreed)

	if err := s.persistLoop(ctx); err != nil {
		return err
	}
	s.logger.Info("Structurer stopped")
	return nil
}

// align settles the tree for the target. An existing snapshot (an
// operator restart, or a coordinator that posted first) is adopted as
// is; otherwise the structurer posts its own proposal and watches one
// revision window for a coordinator counter. The decision is
// single-shot: once adopted, the structurer never revises the tree
// again for this run.
func (s *Structurer) align(ctx context.Context) (proto.Tree, error) {
	existing, err := s.svc.FetchStructure(ctx)
	if err != nil {
		s.logger.Warn("Structure fetch failed: %v", err)
	}
	if len(existing) > 0 {
		s.logger.Info("Adopting the existing snapshot (%d files)", structure.CountFiles(existing))
		return existing, nil
	}

	own := s.propose(ctx)
	if own == nil {
		s.report(ctx, "structure_generation_failed", "")
		return s.awaitCoordinator(ctx)
	}
	if err := s.svc.PostStructure(ctx, own); err != nil {
		s.report(ctx, "structure_api_send_failed", err.Error())
		return nil, fmt.Errorf("failed to post tree proposal: %w", err)
	}
	s.logger.Info("Posted a tree proposal (%d files); watching for a counter-proposal", structure.CountFiles(own))
	return s.watchForCounter(ctx, own)
}

// propose asks the provider for a tree for the target. A nil return
// means no usable proposal came back; the coordinator's tree will serve
// instead.
func (s *Structurer) propose(ctx context.Context) proto.Tree {
	prompt, err := s.renderer.Render(templates.StructureProposalPrompt, &templates.PromptData{Target: s.target})
	if err != nil {
		s.logger.Error("Failed to render the proposal prompt: %v", err)
		return nil
	}
	if err := agent.Pause(ctx, s.cfg.Delay); err != nil {
		return nil
	}
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewUserMessage(prompt)},
		MaxTokens:   s.cfg.Model.MaxTokens,
		Temperature: s.cfg.Model.Temperature,
	})
	if err != nil {
		s.logger.Warn("Tree proposal failed: %v", err)
		return nil
	}

	raw, ok := templates.ExtractFencedJSON(resp.Content)
	if !ok {
		s.logger.Warn("Tree proposal carried no fenced JSON")
		return nil
	}
	var tree proto.Tree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		s.logger.Warn("Tree proposal did not parse: %v", err)
		return nil
	}
	if structure.CountFiles(tree) == 0 {
		s.logger.Warn("Tree proposal contained no files")
		return nil
	}
	s.logger.Info("Proposed a tree with %d files", structure.CountFiles(tree))
	return tree
}

// awaitCoordinator polls for a snapshot when the structurer has no
// proposal of its own. The coordinator asserts its tree when the
// snapshot stays empty, so this resolves as soon as it does.
func (s *Structurer) awaitCoordinator(ctx context.Context) (proto.Tree, error) {
	s.logger.Info("No own proposal; waiting for the coordinator's tree")
	for {
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return nil, err
		}
		tree, err := s.svc.FetchStructure(ctx)
		if err != nil {
			s.logger.Warn("Structure fetch failed: %v", err)
			continue
		}
		if len(tree) > 0 {
			s.logger.Info("Adopting the coordinator's tree (%d files)", structure.CountFiles(tree))
			return tree, nil
		}
	}
}

// watchForCounter waits out one revision window after posting the own
// proposal. A different snapshot inside the window is the coordinator
// asserting its tree, and it wins. An emptied snapshot (an operator
// clear racing the post) is re-asserted once.
func (s *Structurer) watchForCounter(ctx context.Context, own proto.Tree) (proto.Tree, error) {
	deadline := time.Now().Add(s.watchWindow)
	reasserted := false
	for time.Now().Before(deadline) {
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return nil, err
		}
		current, err := s.svc.FetchStructure(ctx)
		if err != nil {
			s.logger.Warn("Structure fetch failed: %v", err)
			continue
		}
		if len(current) == 0 {
			if reasserted {
				continue
			}
			reasserted = true
			s.logger.Warn("Snapshot cleared during alignment; re-posting the proposal")
			if err := s.svc.PostStructure(ctx, own); err != nil {
				s.logger.Warn("Failed to re-post the tree proposal: %v", err)
			}
			continue
		}
		if !structure.Equal(current, own) {
			s.logger.Info("Coordinator asserted a different tree (%d files); adopting it", structure.CountFiles(current))
			return current, nil
		}
	}
	s.logger.Info("Proposal stood unchallenged; tree agreed (%d files)", structure.CountFiles(own))
	return own, nil
}

// materialize lays the agreed tree down in the repository and commits
// it. Existing files are left alone so a restart never clobbers worker
// output already on disk.
func (s *Structurer) materialize(ctx context.Context, tree proto.Tree) {
	existing, err := s.repo.Tree()
	if err != nil {
		s.logger.Warn("Could not enumerate the repository: %v", err)
		existing = proto.Tree{}
	}

	created := s.createNodes(tree, "", existing)
	if created == 0 {
		// Nothing new on disk, but downstream consumers still need the
		// published tree and the completion signal.
		s.logger.Info("Tree already materialized; nothing to create")
		s.publishTree(ctx)
		s.report(ctx, "structure_creation_completed", "")
		return
	}
	if err := s.repo.Commit(ctx, initialCommitMessage); err != nil {
		s.logger.Warn("Failed to commit the initial structure: %v", err)
		s.publishTree(ctx)
		s.report(ctx, "structure_creation_failed", err.Error())
		return
	}
	s.logger.Info("Materialized %d files from the agreed tree", created)
	s.publishTree(ctx)
	s.report(ctx, "structure_creation_completed", "")
}

// createNodes walks the tree depth-first in name order, creating
// directories and empty placeholder files. Returns how many files it
// created.
func (s *Structurer) createNodes(node proto.Tree, prefix string, existing proto.Tree) int {
	created := 0
	for _, key := range sortedKeys(node) {
		name := structure.SanitizeName(key)
		if name == "" {
			s.logger.Warn("Skipping unusable entry name %q", key)
			continue
		}
		rel := name
		if prefix != "" {
			rel = prefix + "/" + name
		}

		child := node[key]
		if child != nil {
			if err := s.repo.EnsureDir(rel); err != nil {
				s.logger.Warn("Failed to create directory %s: %v", rel, err)
				continue
			}
			created += s.createNodes(child, rel, existing)
			continue
		}
		if structure.Contains(existing, rel) {
			s.logger.Debug("File already exists, leaving it alone: %s", rel)
			continue
		}
		if err := s.repo.Write(rel, nil); err != nil {
			s.logger.Warn("Failed to create file %s: %v", rel, err)
			continue
		}
		s.logger.Debug("Created file: %s", rel)
		created++
	}
	return created
}

// persistLoop sweeps the ledger on the poll interval and writes every
// landed report into the repository until ctx is canceled.
func (s *Structurer) persistLoop(ctx context.Context) error {
	s.logger.Info("Watching the ledger for reports to persist")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.pollInterval):
		}
		if err := s.sweep(ctx); err != nil {
			return err
		}
	}
}

// sweep persists the report of every subtask whose current attempt
// landed code and has not been written out yet.
func (s *Structurer) sweep(ctx context.Context) error {
	subs, err := s.svc.Subtasks(ctx)
	if err != nil {
		s.svcFailures++
		if s.svcFailures >= maxConsecutiveSweepFailures {
			return fmt.Errorf("ledger poll gave up after %d consecutive failures: %w", s.svcFailures, err)
		}
		s.logger.Warn("Ledger poll failed (%d/%d): %v", s.svcFailures, maxConsecutiveSweepFailures, err)
		return nil
	}
	s.svcFailures = 0

	// Forget subtasks the operator has cleared.
	for id := range s.states {
		if _, ok := subs[id]; !ok {
			delete(s.states, id)
		}
	}

	for _, id := range persistOrder(subs) {
		sub := subs[id]
		st := s.states[id]
		if st == nil || st.attempt != sub.Attempts {
			st = &persistState{attempt: sub.Attempts}
			s.states[id] = st
		}
		if st.done || st.failures >= maxPersistAttempts {
			continue
		}
		s.persist(ctx, sub, st)
	}
	return nil
}

// persistOrder returns the ids carrying persistable reports, oldest
// update first, so commits follow the order the work landed in.
func persistOrder(subs map[string]proto.Subtask) []string {
	ids := make([]string, 0, len(subs))
	for id, sub := range subs {
		if sub.Status == proto.StatusCodeReceived || sub.Status == proto.StatusAccepted {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := subs[ids[i]], subs[ids[j]]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// persist writes one report's payload into the repository, commits it,
// and re-publishes the snapshot. Tester payloads land at the derived
// test path; every other role overwrites the report's filename.
func (s *Structurer) persist(ctx context.Context, sub proto.Subtask, st *persistState) {
	rep, err := s.svc.ReportFor(ctx, sub.ID)
	if err != nil {
		s.logger.Warn("Report fetch for %s failed: %v", sub.ID, err)
		return
	}
	if rep == nil {
		return
	}

	target := rep.Filename
	if rep.Type == proto.ReportTestResult {
		target = structure.TestPath(rep.Filename)
	}
	if err := s.repo.Write(target, []byte(rep.Payload)); err != nil {
		s.persistFailed(ctx, sub.ID, st, target, err)
		return
	}
	if err := s.repo.Commit(ctx, gateway.CommitMessage(rep.Role, target, sub.ID), target); err != nil {
		s.persistFailed(ctx, sub.ID, st, target, err)
		return
	}
	st.done = true
	st.failures = 0
	s.logger.Info("Persisted %s report for %s at %s (subtask %s)", rep.Role, rep.Filename, target, sub.ID)
	s.publishTree(ctx)
}

// persistFailed counts one failed write. The report is retried on later
// sweeps until the attempt budget runs out.
func (s *Structurer) persistFailed(ctx context.Context, id string, st *persistState, target string, err error) {
	st.failures++
	if st.failures >= maxPersistAttempts {
		s.logger.Error("Giving up on subtask %s after %d persist attempts: %v", id, st.failures, err)
		s.report(ctx, "report_persist_failed", fmt.Sprintf("subtask %s: %v", id, err))
		return
	}
	s.logger.Warn("Failed to persist subtask %s at %s (attempt %d/%d): %v", id, target, st.failures, maxPersistAttempts, err)
}

// publishTree posts the repository's current tree as the new snapshot.
func (s *Structurer) publishTree(ctx context.Context) {
	tree, err := s.repo.Tree()
	if err != nil {
		s.logger.Warn("Could not enumerate the repository: %v", err)
		return
	}
	if err := s.svc.PostStructure(ctx, tree); err != nil {
		s.logger.Warn("Failed to publish the snapshot: %v", err)
	}
}

// report sends a progress line to the orchestrator's log stream.
func (s *Structurer) report(ctx context.Context, status, details string) {
	if err := s.svc.StructurerReport(ctx, status, details); err != nil {
		s.logger.Warn("Failed to send %s report: %v", status, err)
	}
}

func (s *Structurer) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func sortedKeys(node proto.Tree) []string {
	keys := make([]string, 0, len(node))
	for key := range node {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
