// Package worktree manages isolated git working directories: one per active
// instance, materialized under the configured worktree root and tracked in
// the database. The manager is the single authority on which filesystem
// paths hold live worktrees; no two live worktrees may share a path.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"agentdeck/internal/keymutex"
	"agentdeck/pkg/gitx"
	"agentdeck/pkg/logx"
	"agentdeck/pkg/oerr"
	"agentdeck/pkg/persistence"
)

// MaxBranchNameLength bounds user-provided branch names.
const MaxBranchNameLength = 100

// Git branch names cannot contain space, ~, ^, :, ?, *, [, \ or control
// characters, and cannot start with a dash.
var validBranchName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// ValidateBranchName checks if a branch name is acceptable for git.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return nil // caller will use a generated session branch
	}
	if len(branch) > MaxBranchNameLength {
		return fmt.Errorf("branch name too long (max %d characters)", MaxBranchNameLength)
	}
	if !validBranchName.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters: %s", branch)
	}
	if strings.HasSuffix(branch, ".lock") {
		return fmt.Errorf("branch name cannot end with .lock: %s", branch)
	}
	return nil
}

// Manager creates and destroys isolated worktrees.
type Manager struct {
	ops    *persistence.DatabaseOperations
	git    *gitx.Client
	root   string
	locks  *keymutex.KeyMutex
	logger *logx.Logger
}

// NewManager creates a worktree manager rooted at root.
func NewManager(ops *persistence.DatabaseOperations, git *gitx.Client, root string) *Manager {
	return &Manager{
		ops:    ops,
		git:    git,
		root:   root,
		locks:  keymutex.New(),
		logger: logx.NewLogger("worktree"),
	}
}

// Get returns an ownership-checked worktree. An absent id and an id owned by
// another user produce the same NotFound.
func (m *Manager) Get(id, userID string) (*persistence.Worktree, error) {
	const op = oerr.Op("worktree.Get")

	wt, err := m.ops.GetWorktreeByID(id)
	if err != nil {
		return nil, err
	}
	if wt == nil || wt.UserID != userID {
		return nil, oerr.NotFound(op, "worktree", id)
	}
	return wt, nil
}

// Create materializes an isolated working directory for the repository via
// git worktree-add. When branch names an existing branch it is checked out
// directly; an empty branch gets a generated session branch cut from the
// repository's default branch. A branch that neither exists nor is empty
// fails the underlying checkout and surfaces as GitOperationFailed.
func (m *Manager) Create(ctx context.Context, repo *persistence.Repository, branch, userID string) (*persistence.Worktree, error) {
	const op = oerr.Op("worktree.Create")

	if err := ValidateBranchName(branch); err != nil {
		return nil, oerr.E(op, oerr.KindInvalid, err.Error())
	}

	id := persistence.NewID()
	path := filepath.Join(m.root, fmt.Sprintf("%s-%s", repo.Name, id[:8]))

	// Serialize on the target path only. Creates for different paths
	// proceed in parallel, so a slow checkout for one repository cannot
	// stall unrelated requests; the UNIQUE constraint on the path column
	// backstops the reservation.
	m.locks.Lock(path)
	defer m.locks.Unlock(path)

	existing, err := m.ops.GetWorktreeByPath(path)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, oerr.E(op, oerr.KindInvalid, fmt.Sprintf("worktree path %s already in use", path))
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root: %w", err)
	}

	if branch == "" {
		branch = "agentdeck/" + id[:8]
		// Session branches are cut from the repository's default branch,
		// not from whatever the primary checkout happens to have at HEAD.
		base := m.git.DefaultBranch(ctx, repo.Path)
		if !m.git.BranchExists(ctx, repo.Path, base) {
			base = "HEAD"
		}
		err = m.git.WorktreeAddNewBranch(ctx, repo.Path, path, branch, base)
	} else {
		err = m.git.WorktreeAdd(ctx, repo.Path, path, branch)
	}
	if err != nil {
		return nil, err
	}

	wt := &persistence.Worktree{
		ID:           id,
		RepositoryID: repo.ID,
		Branch:       branch,
		Path:         path,
		UserID:       userID,
	}
	if err := m.ops.InsertWorktree(wt); err != nil {
		// Roll the checkout back so the directory does not leak.
		if rmErr := m.git.WorktreeRemove(ctx, repo.Path, path); rmErr != nil {
			m.logger.Warn("Failed to roll back worktree at %s: %v", path, rmErr)
		}
		return nil, err
	}

	m.logger.Info("Created worktree %s on branch %s at %s", wt.ID, branch, path)
	return wt, nil
}

// Remove detaches the worktree from its repository, deletes the directory,
// and unregisters the row. Idempotent: an absent (or unowned, which is
// indistinguishable) id is a no-op so a partially-completed prior teardown
// can be retried safely.
func (m *Manager) Remove(ctx context.Context, id, userID string) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	wt, err := m.ops.GetWorktreeByID(id)
	if err != nil {
		return err
	}
	if wt == nil || wt.UserID != userID {
		return nil
	}

	repo, err := m.ops.GetRepositoryByID(wt.RepositoryID)
	if err != nil {
		return err
	}

	if repo != nil {
		if err := m.git.WorktreeRemove(ctx, repo.Path, wt.Path); err != nil {
			// The directory may already be gone; fall through to the
			// filesystem cleanup and prune.
			m.logger.Debug("git worktree remove failed for %s: %v", wt.Path, err)
		}
	}

	if err := os.RemoveAll(wt.Path); err != nil {
		return fmt.Errorf("failed to remove worktree directory %s: %w", wt.Path, err)
	}

	if repo != nil {
		if err := m.git.WorktreePrune(ctx, repo.Path); err != nil {
			m.logger.Debug("git worktree prune failed for %s: %v", repo.Path, err)
		}
	}

	if err := m.ops.DeleteWorktree(id); err != nil {
		return err
	}

	m.logger.Info("Removed worktree %s at %s", id, wt.Path)
	return nil
}

// Reconcile runs the startup recovery pass: worktree rows whose directories
// no longer exist are dropped, and each affected repository's worktree
// bookkeeping is pruned. Crash recovery is explicit here rather than
// guessed at teardown time.
func (m *Manager) Reconcile(ctx context.Context) error {
	wts, err := m.ops.ListAllWorktrees()
	if err != nil {
		return err
	}

	pruned := make(map[string]bool)
	for _, wt := range wts {
		if _, err := os.Stat(wt.Path); err == nil {
			continue
		}
		m.logger.Warn("Worktree %s path %s missing on disk; dropping registration", wt.ID, wt.Path)
		if err := m.ops.DeleteWorktree(wt.ID); err != nil {
			return err
		}

		if pruned[wt.RepositoryID] {
			continue
		}
		pruned[wt.RepositoryID] = true
		repo, err := m.ops.GetRepositoryByID(wt.RepositoryID)
		if err != nil || repo == nil {
			continue
		}
		if err := m.git.WorktreePrune(ctx, repo.Path); err != nil {
			m.logger.Debug("prune failed for %s: %v", repo.Path, err)
		}
	}
	return nil
}
