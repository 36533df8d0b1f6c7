package repo

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
	"agentdeck/pkg/gitx"
	"agentdeck/pkg/oerr"
	"agentdeck/pkg/persistence"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	git := gitx.NewClient(exec.NewLocalExec(), 30*time.Second)
	return NewRegistry(persistence.NewDatabaseOperations(db), git)
}

func TestRegisterAndGet(t *testing.T) {
	registry := newTestRegistry(t)
	path := initGitRepo(t)

	repository, err := registry.Register(context.Background(), path, "demo", "user-a")
	require.NoError(t, err)
	assert.Equal(t, path, repository.Path)
	assert.Equal(t, "demo", repository.Name)

	got, err := registry.GetOwned(repository.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, repository.ID, got.ID)

	// The unchecked lookup serves the git gateway.
	got, err = registry.Get(repository.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repository.ID, got.ID)
}

func TestRegisterRejectsNonRepository(t *testing.T) {
	registry := newTestRegistry(t)
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	_, err := registry.Register(context.Background(), t.TempDir(), "plain", "user-a")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.KindInvalid))
}

func TestGetOwnedHidesForeignRepositories(t *testing.T) {
	registry := newTestRegistry(t)
	path := initGitRepo(t)

	repository, err := registry.Register(context.Background(), path, "demo", "user-a")
	require.NoError(t, err)

	_, err = registry.GetOwned(repository.ID, "user-b")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.KindNotFound))

	_, err = registry.GetOwned("ghost", "user-a")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.KindNotFound))
}

func TestList(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	list, err := registry.List("user-a")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = registry.Register(ctx, initGitRepo(t), "one", "user-a")
	require.NoError(t, err)
	_, err = registry.Register(ctx, initGitRepo(t), "two", "user-a")
	require.NoError(t, err)
	_, err = registry.Register(ctx, initGitRepo(t), "other", "user-b")
	require.NoError(t, err)

	list, err = registry.List("user-a")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
