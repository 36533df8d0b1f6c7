// Package repo tracks registered source repositories. A repository row is
// immutable once registered; it is removed only by explicit user action.
package repo

import (
	"context"

	"agentdeck/pkg/gitx"
	"agentdeck/pkg/logx"
	"agentdeck/pkg/oerr"
	"agentdeck/pkg/persistence"
)

// Registry provides ownership-checked access to registered repositories.
type Registry struct {
	ops    *persistence.DatabaseOperations
	git    *gitx.Client
	logger *logx.Logger
}

// NewRegistry creates a repository registry.
func NewRegistry(ops *persistence.DatabaseOperations, git *gitx.Client) *Registry {
	return &Registry{
		ops:    ops,
		git:    git,
		logger: logx.NewLogger("repo"),
	}
}

// Register records a repository after verifying the path is a git work tree.
func (r *Registry) Register(ctx context.Context, path, name, userID string) (*persistence.Repository, error) {
	const op = oerr.Op("repo.Register")

	if !r.git.IsRepository(ctx, path) {
		return nil, oerr.E(op, oerr.KindInvalid, path+" is not a git repository")
	}

	repository := &persistence.Repository{
		ID:     persistence.NewID(),
		Path:   path,
		Name:   name,
		UserID: userID,
	}
	if err := r.ops.UpsertRepository(repository); err != nil {
		return nil, err
	}
	r.logger.Info("Registered repository %s (%s)", name, path)
	return repository, nil
}

// Get returns a repository by id without an ownership check. The git
// gateway uses it for branch listing; nil means absent.
func (r *Registry) Get(id string) (*persistence.Repository, error) {
	return r.ops.GetRepositoryByID(id)
}

// GetOwned returns an ownership-checked repository. Absent and unowned are
// the same NotFound.
func (r *Registry) GetOwned(id, userID string) (*persistence.Repository, error) {
	const op = oerr.Op("repo.GetOwned")

	repository, err := r.ops.GetRepositoryByID(id)
	if err != nil {
		return nil, err
	}
	if repository == nil || repository.UserID != userID {
		return nil, oerr.NotFound(op, "repository", id)
	}
	return repository, nil
}

// List returns the user's repositories.
func (r *Registry) List(userID string) ([]*persistence.Repository, error) {
	return r.ops.ListRepositories(userID)
}
