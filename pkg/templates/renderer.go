// Package templates renders the provider-facing prompts for every agent
// role from one embedded source file. Subtask texts the coordinator
// stores in the ledger come from the same file so that prompt wording
// lives in exactly one place.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"

	"conductor/pkg/proto"
)

//go:embed prompts.yaml
var promptFS embed.FS

const promptFileName = "prompts.yaml"

// PromptData holds the substitution fields available to prompt sources.
// Unused fields render as empty strings.
type PromptData struct {
	// Target is the overall project goal from configuration.
	Target string
	// Filename is the subtask's file path inside the repository.
	Filename string
	// Task is the subtask text as stored in the ledger.
	Task string
	// Code is the current file content, for tester and documenter
	// prompts.
	Code string
	// Feedback names the metrics that fell short, for refinement texts.
	Feedback string
	// Attempt is the refinement ordinal, starting at 1.
	Attempt int
}

// PromptTemplate identifies one prompt source inside prompts.yaml.
type PromptTemplate string

const (
	// ExecutorSystemPrompt instructs the executor to emit raw file content.
	ExecutorSystemPrompt PromptTemplate = "executor.system"
	// ExecutorUserPrompt carries the task description and filename.
	ExecutorUserPrompt PromptTemplate = "executor.user"
	// TesterSystemPrompt instructs the tester to emit raw test code.
	TesterSystemPrompt PromptTemplate = "tester.system"
	// TesterUserPrompt carries the code under test.
	TesterUserPrompt PromptTemplate = "tester.user"
	// DocumenterSystemPrompt instructs the documenter to emit raw documentation.
	DocumenterSystemPrompt PromptTemplate = "documenter.system"
	// DocumenterUserPrompt carries the code to document.
	DocumenterUserPrompt PromptTemplate = "documenter.user"

	// AlignmentSystemPrompt frames the coordinator's tree proposal call.
	AlignmentSystemPrompt PromptTemplate = "coordinator.alignment_system"
	// AlignmentUserPrompt carries the target for the tree proposal call.
	AlignmentUserPrompt PromptTemplate = "coordinator.alignment_user"

	// ExecutorTaskText is the subtask text seeded per file after alignment.
	ExecutorTaskText PromptTemplate = "coordinator.tasks.executor"
	// TesterTaskText is the follow-up subtask text once code landed.
	TesterTaskText PromptTemplate = "coordinator.tasks.tester"
	// DocumenterTaskText is the follow-up subtask text once code landed.
	DocumenterTaskText PromptTemplate = "coordinator.tasks.documenter"
	// RefinementTaskText re-states an executor subtask after rejection.
	RefinementTaskText PromptTemplate = "coordinator.tasks.refinement"

	// StructureProposalPrompt asks for a fenced JSON tree for the target.
	StructureProposalPrompt PromptTemplate = "structurer.proposal"
)

type rolePrompts struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type coordinatorPrompts struct {
	AlignmentSystem string            `yaml:"alignment_system"`
	AlignmentUser   string            `yaml:"alignment_user"`
	Tasks           map[string]string `yaml:"tasks"`
}

type structurerPrompts struct {
	Proposal string `yaml:"proposal"`
}

type promptFile struct {
	Executor    rolePrompts        `yaml:"executor"`
	Tester      rolePrompts        `yaml:"tester"`
	Documenter  rolePrompts        `yaml:"documenter"`
	Coordinator coordinatorPrompts `yaml:"coordinator"`
	Structurer  structurerPrompts  `yaml:"structurer"`
}

// Renderer holds the parsed prompt templates.
type Renderer struct {
	templates map[PromptTemplate]*template.Template
}

// NewRenderer parses the embedded prompt file. Every known template
// name must have a non-empty source; a hole in prompts.yaml is a
// programming error surfaced at startup, not at call time.
func NewRenderer() (*Renderer, error) {
	raw, err := promptFS.ReadFile(promptFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", promptFileName, err)
	}

	var file promptFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", promptFileName, err)
	}

	sources := map[PromptTemplate]string{
		ExecutorSystemPrompt:    file.Executor.System,
		ExecutorUserPrompt:      file.Executor.User,
		TesterSystemPrompt:      file.Tester.System,
		TesterUserPrompt:        file.Tester.User,
		DocumenterSystemPrompt:  file.Documenter.System,
		DocumenterUserPrompt:    file.Documenter.User,
		AlignmentSystemPrompt:   file.Coordinator.AlignmentSystem,
		AlignmentUserPrompt:     file.Coordinator.AlignmentUser,
		ExecutorTaskText:        file.Coordinator.Tasks["executor"],
		TesterTaskText:          file.Coordinator.Tasks["tester"],
		DocumenterTaskText:      file.Coordinator.Tasks["documenter"],
		RefinementTaskText:      file.Coordinator.Tasks["refinement"],
		StructureProposalPrompt: file.Structurer.Proposal,
	}

	r := &Renderer{templates: make(map[PromptTemplate]*template.Template, len(sources))}
	for name, source := range sources {
		if source == "" {
			return nil, fmt.Errorf("prompt source %s missing from %s", name, promptFileName)
		}
		tmpl, err := template.New(string(name)).Parse(source)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prompt %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders the named prompt with the given data.
func (r *Renderer) Render(name PromptTemplate, data *PromptData) (string, error) {
	tmpl, exists := r.templates[name]
	if !exists {
		return "", fmt.Errorf("prompt %s not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}

	return buf.String(), nil
}

// RolePrompts renders the system and user prompt pair for one worker
// role in a single call.
func (r *Renderer) RolePrompts(role proto.Role, data *PromptData) (system, user string, err error) {
	var sysName, userName PromptTemplate
	switch role {
	case proto.RoleExecutor:
		sysName, userName = ExecutorSystemPrompt, ExecutorUserPrompt
	case proto.RoleTester:
		sysName, userName = TesterSystemPrompt, TesterUserPrompt
	case proto.RoleDocumenter:
		sysName, userName = DocumenterSystemPrompt, DocumenterUserPrompt
	default:
		return "", "", fmt.Errorf("no prompts defined for role %q", role)
	}

	if system, err = r.Render(sysName, data); err != nil {
		return "", "", err
	}
	if user, err = r.Render(userName, data); err != nil {
		return "", "", err
	}
	return system, user, nil
}

// TaskText renders the subtask text the coordinator stores in the
// ledger when emitting work for one role.
func (r *Renderer) TaskText(role proto.Role, data *PromptData) (string, error) {
	switch role {
	case proto.RoleExecutor:
		return r.Render(ExecutorTaskText, data)
	case proto.RoleTester:
		return r.Render(TesterTaskText, data)
	case proto.RoleDocumenter:
		return r.Render(DocumenterTaskText, data)
	default:
		return "", fmt.Errorf("no task text defined for role %q", role)
	}
}
