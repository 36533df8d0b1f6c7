package gitx

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/pkg/exec"
	"agentdeck/pkg/oerr"
	"agentdeck/pkg/persistence"
)

type fakeWorktrees struct {
	byID map[string]*persistence.Worktree
}

func (f *fakeWorktrees) Get(id, userID string) (*persistence.Worktree, error) {
	wt, ok := f.byID[id]
	if !ok || wt.UserID != userID {
		return nil, oerr.NotFound("fake.Get", "worktree", id)
	}
	return wt, nil
}

type fakeRepos struct {
	byID map[string]*persistence.Repository
}

func (f *fakeRepos) Get(id string) (*persistence.Repository, error) {
	return f.byID[id], nil
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initTestRepo creates a git repository with one committed file bar.txt.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := osexec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bar.txt"), []byte("committed content\n"), 0o644))
	run("add", "bar.txt")
	run("commit", "-m", "initial")

	return dir
}

func TestRevertDiscardsUncommittedWork(t *testing.T) {
	requireGit(t)
	repoPath := initTestRepo(t)

	// Dirty the worktree: modify a tracked file and add an untracked one.
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "bar.txt"), []byte("scribbled\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "foo.txt"), []byte("untracked\n"), 0o644))

	worktrees := &fakeWorktrees{byID: map[string]*persistence.Worktree{
		"wt-1": {ID: "wt-1", Path: repoPath, UserID: "user-a"},
	}}
	gateway := NewGateway(NewClient(exec.NewLocalExec(), 30*time.Second), worktrees, &fakeRepos{})

	require.NoError(t, gateway.Revert(context.Background(), "wt-1", "user-a"))

	content, err := os.ReadFile(filepath.Join(repoPath, "bar.txt"))
	require.NoError(t, err)
	assert.Equal(t, "committed content\n", string(content))

	_, err = os.Stat(filepath.Join(repoPath, "foo.txt"))
	assert.True(t, os.IsNotExist(err), "untracked file should be gone")
}

func TestRevertUnknownWorktree(t *testing.T) {
	gateway := NewGateway(NewClient(exec.NewScriptedExec(), time.Second),
		&fakeWorktrees{byID: map[string]*persistence.Worktree{}}, &fakeRepos{})

	err := gateway.Revert(context.Background(), "missing", "user-a")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.KindNotFound))
}

func TestRevertOwnershipHidden(t *testing.T) {
	worktrees := &fakeWorktrees{byID: map[string]*persistence.Worktree{
		"wt-1": {ID: "wt-1", Path: "/somewhere", UserID: "user-b"},
	}}
	gateway := NewGateway(NewClient(exec.NewScriptedExec(), time.Second), worktrees, &fakeRepos{})

	err := gateway.Revert(context.Background(), "wt-1", "user-a")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.KindNotFound))
}

func TestRevertCleanFailureKeepsReset(t *testing.T) {
	scripted := exec.NewScriptedExec()
	scripted.Stub("git reset --hard HEAD", exec.Result{}, nil)
	scripted.Stub("git clean -fd", exec.Result{ExitCode: 1, Stderr: "clean failed"}, nil)

	worktrees := &fakeWorktrees{byID: map[string]*persistence.Worktree{
		"wt-1": {ID: "wt-1", Path: "/wt", UserID: "user-a"},
	}}
	gateway := NewGateway(NewClient(scripted, time.Second), worktrees, &fakeRepos{})

	err := gateway.Revert(context.Background(), "wt-1", "user-a")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.KindGitOperationFailed))
	// The reset ran and is not rolled back.
	assert.Equal(t, 1, scripted.CallCount("git reset --hard HEAD"))
}

func TestGatewayListBranches(t *testing.T) {
	requireGit(t)
	repoPath := initTestRepo(t)

	repos := &fakeRepos{byID: map[string]*persistence.Repository{
		"repo-1": {ID: "repo-1", Path: repoPath, UserID: "user-a"},
	}}
	gateway := NewGateway(NewClient(exec.NewLocalExec(), 30*time.Second), &fakeWorktrees{}, repos)

	branches, err := gateway.ListBranches(context.Background(), "repo-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, branches)

	_, err = gateway.ListBranches(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.KindNotFound))
}
