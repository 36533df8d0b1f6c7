package gitx

import (
	"context"

	"agentdeck/pkg/logx"
	"agentdeck/pkg/oerr"
	"agentdeck/pkg/persistence"
)

// WorktreeResolver is the slice of the worktree manager the gateway needs:
// an ownership-checked lookup.
type WorktreeResolver interface {
	Get(id, userID string) (*persistence.Worktree, error)
}

// RepositoryResolver resolves repository ids to registered repositories.
type RepositoryResolver interface {
	Get(id string) (*persistence.Repository, error)
}

// Gateway mediates git lifecycle operations against registered entities.
// Every operation validates existence and ownership against the registries
// before touching the filesystem.
type Gateway struct {
	client    *Client
	worktrees WorktreeResolver
	repos     RepositoryResolver
	logger    *logx.Logger
}

// NewGateway creates a gateway over the git client and the two resolvers.
func NewGateway(client *Client, worktrees WorktreeResolver, repos RepositoryResolver) *Gateway {
	return &Gateway{
		client:    client,
		worktrees: worktrees,
		repos:     repos,
		logger:    logx.NewLogger("git-gateway"),
	}
}

// ListBranches returns the branch names of a registered repository.
func (g *Gateway) ListBranches(ctx context.Context, repositoryID string) ([]string, error) {
	const op = oerr.Op("gitx.Gateway.ListBranches")

	repo, err := g.repos.Get(repositoryID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, oerr.NotFound(op, "repository", repositoryID)
	}
	return g.client.ListBranches(ctx, repo.Path)
}

// Revert discards all uncommitted work in a worktree: a hard reset to HEAD
// followed by a clean of untracked files. Both steps run in order; if the
// reset succeeds and the clean fails, the reset stays applied — it is
// idempotent and strictly safe to leave in place. Destructive by design;
// callers confirm intent before invoking.
func (g *Gateway) Revert(ctx context.Context, worktreeID, userID string) error {
	const op = oerr.Op("gitx.Gateway.Revert")

	wt, err := g.worktrees.Get(worktreeID, userID)
	if err != nil {
		return err
	}
	if wt == nil {
		return oerr.NotFound(op, "worktree", worktreeID)
	}

	g.logger.Info("Reverting worktree %s at %s", wt.ID, wt.Path)

	if err := g.client.ResetHard(ctx, wt.Path); err != nil {
		return err
	}
	return g.client.CleanUntracked(ctx, wt.Path)
}
