// Package gitx executes scoped git commands against repository and worktree
// paths. All invocations go through the exec collaborator with a timeout so
// a hung git process cannot stall unrelated requests, and failures are
// normalized into the GitOperationFailed error kind.
package gitx

import (
	"context"
	"strings"
	"time"

	"agentdeck/pkg/exec"
	"agentdeck/pkg/logx"
	"agentdeck/pkg/metrics"
	"agentdeck/pkg/oerr"
)

// Client runs individual git commands. It carries no entity knowledge;
// ownership and resolution live in the Gateway and the registries.
type Client struct {
	executor exec.Executor
	timeout  time.Duration
	logger   *logx.Logger
	recorder *metrics.Recorder
}

// SetRecorder attaches a metrics recorder; every subsequent command reports
// its duration and outcome labeled by git subcommand.
func (c *Client) SetRecorder(rec *metrics.Recorder) {
	c.recorder = rec
}

// NewClient creates a git client with the given executor and per-command
// timeout.
func NewClient(executor exec.Executor, timeout time.Duration) *Client {
	return &Client{
		executor: executor,
		timeout:  timeout,
		logger:   logx.NewLogger("gitx"),
	}
}

// run executes git with args in dir, returning stdout. Non-zero exit and
// process-level failures both normalize to KindGitOperationFailed.
func (c *Client) run(ctx context.Context, op oerr.Op, dir string, args ...string) (string, error) {
	cmd := append([]string{"git"}, args...)

	start := time.Now()
	result, err := c.executor.Run(ctx, cmd, &exec.Opts{WorkDir: dir, Timeout: c.timeout})
	if c.recorder != nil {
		success := err == nil && result.ExitCode == 0
		c.recorder.ObserveGitOp(args[0], time.Since(start), success)
	}
	if err != nil {
		return "", oerr.GitFailed(op, "git "+strings.Join(args, " "), err)
	}
	if result.ExitCode != 0 {
		c.logger.Debug("git %s exited %d: %s", strings.Join(args, " "), result.ExitCode, strings.TrimSpace(result.Stderr))
		return "", oerr.E(op, oerr.KindGitOperationFailed,
			"git "+strings.Join(args, " ")+" exited with "+strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// IsRepository reports whether path is inside a git work tree.
func (c *Client) IsRepository(ctx context.Context, path string) bool {
	out, err := c.run(ctx, "gitx.IsRepository", path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// ListBranches returns local branch names for the repository at repoPath.
// Output is parsed line by line; blank lines are discarded.
func (c *Client) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	out, err := c.run(ctx, "gitx.ListBranches", repoPath, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		branches = append(branches, line)
	}
	return branches, nil
}

// DefaultBranch returns the repository's default branch, preferring the
// origin HEAD, then main, then master.
func (c *Client) DefaultBranch(ctx context.Context, repoPath string) string {
	if out, err := c.run(ctx, "gitx.DefaultBranch", repoPath, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if idx := strings.LastIndex(ref, "/"); idx >= 0 {
			return ref[idx+1:]
		}
	}
	if _, err := c.run(ctx, "gitx.DefaultBranch", repoPath, "rev-parse", "--verify", "main"); err == nil {
		return "main"
	}
	return "master"
}

// ResetHard discards all tracked modifications in the worktree at path.
func (c *Client) ResetHard(ctx context.Context, path string) error {
	_, err := c.run(ctx, "gitx.ResetHard", path, "reset", "--hard", "HEAD")
	return err
}

// CleanUntracked removes untracked files and directories in the worktree.
func (c *Client) CleanUntracked(ctx context.Context, path string) error {
	_, err := c.run(ctx, "gitx.CleanUntracked", path, "clean", "-fd")
	return err
}

// WorktreeAdd materializes a new worktree at wtPath checked out to branch.
// The branch must already exist; a missing branch fails the checkout.
func (c *Client) WorktreeAdd(ctx context.Context, repoPath, wtPath, branch string) error {
	_, err := c.run(ctx, "gitx.WorktreeAdd", repoPath, "worktree", "add", wtPath, branch)
	return err
}

// WorktreeAddNewBranch materializes a worktree on a new branch cut from
// base. An empty base cuts from the current HEAD.
func (c *Client) WorktreeAddNewBranch(ctx context.Context, repoPath, wtPath, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, wtPath}
	if base != "" {
		args = append(args, base)
	}
	_, err := c.run(ctx, "gitx.WorktreeAdd", repoPath, args...)
	return err
}

// WorktreeRemove detaches a worktree from the repository. Force is used so
// dirty worktrees do not block teardown.
func (c *Client) WorktreeRemove(ctx context.Context, repoPath, wtPath string) error {
	_, err := c.run(ctx, "gitx.WorktreeRemove", repoPath, "worktree", "remove", "--force", wtPath)
	return err
}

// WorktreePrune drops stale worktree bookkeeping after directories have been
// deleted out from under git (startup reconciliation).
func (c *Client) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := c.run(ctx, "gitx.WorktreePrune", repoPath, "worktree", "prune")
	return err
}

// BranchExists reports whether a local branch exists in the repository.
func (c *Client) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := c.run(ctx, "gitx.BranchExists", repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}
