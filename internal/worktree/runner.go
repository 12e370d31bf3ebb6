package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git commands. The production runner shells out; tests
// substitute a scripted fake so no repository is needed.
type Runner interface {
	// Run executes git with args in dir and returns combined output.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// GitRunner is the production Runner backed by the git binary.
type GitRunner struct{}

// NewGitRunner returns the production git command runner.
func NewGitRunner() *GitRunner { return &GitRunner{} }

func (r *GitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}
