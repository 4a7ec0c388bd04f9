package gateway

import (
	"context"
	"fmt"
	"os/exec"
)

// GitRunner runs one git command in a directory and returns its combined
// output. Tests substitute a fake to avoid depending on the git binary.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// ExecGitRunner shells out to the system git binary.
type ExecGitRunner struct{}

// Run executes git with the given arguments in dir.
func (ExecGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %v failed: %w\nOutput: %s", args, err, string(output))
	}
	return output, nil
}
