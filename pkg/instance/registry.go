// Package instance implements the top-level aggregate of the orchestration
// layer: agent instances, each binding a user, a repository, a worktree, an
// agent type, and zero or more terminal sessions.
//
// The registry is the single source of truth for instance existence.
// Operations on the same instance id serialize; operations on different ids
// proceed in parallel. Every entry point validates ownership and existence
// before mutating anything, and fails closed otherwise.
package instance

import (
	"context"
	"fmt"

	"agentdeck/internal/keymutex"
	"agentdeck/pkg/agent"
	"agentdeck/pkg/logx"
	"agentdeck/pkg/metrics"
	"agentdeck/pkg/oerr"
	"agentdeck/pkg/persistence"
	"agentdeck/pkg/repo"
	"agentdeck/pkg/term"
	"agentdeck/pkg/worktree"
)

// Registry tracks agent instances and mediates their lifecycle.
type Registry struct {
	ops       *persistence.DatabaseOperations
	repos     *repo.Registry
	worktrees *worktree.Manager
	terminals *term.Registry
	agents    *agent.Factory
	recorder  *metrics.Recorder // optional
	locks     *keymutex.KeyMutex
	logger    *logx.Logger
}

// NewRegistry wires the instance registry to its collaborators. recorder
// may be nil when metrics are not configured.
func NewRegistry(
	ops *persistence.DatabaseOperations,
	repos *repo.Registry,
	worktrees *worktree.Manager,
	terminals *term.Registry,
	agents *agent.Factory,
	recorder *metrics.Recorder,
) *Registry {
	return &Registry{
		ops:       ops,
		repos:     repos,
		worktrees: worktrees,
		terminals: terminals,
		agents:    agents,
		recorder:  recorder,
		locks:     keymutex.New(),
		logger:    logx.NewLogger("instance"),
	}
}

// CreateInstance validates the agent type against policy, allocates a
// worktree on branch (empty means a generated session branch), and persists
// the new instance with status running and sequence 0.
func (r *Registry) CreateInstance(ctx context.Context, repositoryID, agentType, title, branch, userID string) (*persistence.Instance, error) {
	desc, err := r.agents.GetAgentInfoByID(agentType)
	if err != nil {
		r.observe(agentType, "create", false)
		return nil, err
	}

	repository, err := r.repos.GetOwned(repositoryID, userID)
	if err != nil {
		r.observe(agentType, "create", false)
		return nil, err
	}

	wt, err := r.worktrees.Create(ctx, repository, branch, userID)
	if err != nil {
		r.observe(agentType, "create", false)
		return nil, err
	}

	if title == "" {
		title = fmt.Sprintf("%s on %s", desc.Label, wt.Branch)
	}

	inst := &persistence.Instance{
		ID:           persistence.NewID(),
		Title:        title,
		RepositoryID: repository.ID,
		WorktreeID:   wt.ID,
		AgentType:    agentType,
		Status:       persistence.StatusRunning,
		UserID:       userID,
	}
	if err := r.ops.InsertInstance(inst); err != nil {
		// Do not leak the freshly-created worktree.
		if rmErr := r.worktrees.Remove(ctx, wt.ID, userID); rmErr != nil {
			r.logger.Warn("Failed to roll back worktree %s: %v", wt.ID, rmErr)
		}
		r.observe(agentType, "create", false)
		return nil, err
	}

	r.observe(agentType, "create", true)
	r.logger.Info("Created instance %s (%s) in %s", inst.ID, agentType, wt.Path)
	return inst, nil
}

// Agents exposes the agent factory for catalog queries.
func (r *Registry) Agents() *agent.Factory {
	return r.agents
}

// GetInstance is an ownership-checked lookup. An instance owned by a
// different user yields the same NotFound as a nonexistent one.
func (r *Registry) GetInstance(id, userID string) (*persistence.Instance, error) {
	const op = oerr.Op("instance.GetInstance")

	inst, err := r.ops.GetInstanceByID(id)
	if err != nil {
		return nil, err
	}
	if inst == nil || inst.UserID != userID {
		return nil, oerr.NotFound(op, "instance", id)
	}
	return inst, nil
}

// GetInstancesByRepository returns the caller's instances for a repository.
// No instances is an empty sequence, not an error.
func (r *Registry) GetInstancesByRepository(repositoryID, userID string) ([]*persistence.Instance, error) {
	return r.ops.ListInstancesByRepository(repositoryID, userID)
}

// TerminateInstance transitions the instance to terminated, closes all its
// terminal sessions, and releases the worktree binding. The worktree
// directory itself is kept on disk until explicitly removed, so committed
// and uncommitted work survives termination. Idempotent: terminating an
// already-terminated instance is a no-op.
func (r *Registry) TerminateInstance(ctx context.Context, id, userID string) error {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	inst, err := r.GetInstance(id, userID)
	if err != nil {
		return err
	}
	if inst.Status == persistence.StatusTerminated {
		return nil
	}

	// Children first: terminal sessions go down before the status flips so
	// no session outlives a terminated instance.
	r.terminals.CloseInstanceSessions(id)

	if err := r.ops.UpdateInstanceStatus(id, persistence.StatusTerminated, nil); err != nil {
		return err
	}
	r.appendEvent(ctx, id, persistence.EventStatusChanged, persistence.StatusTerminated)

	r.observe(inst.AgentType, "terminate", true)
	r.logger.Info("Terminated instance %s", id)
	return nil
}

// SetStatus applies a status transition under the instance's lock.
// Transitions are monotonic (running → idle → error → terminated) with one
// exception: error → running, for recovery. Nothing leaves terminated.
// Setting the current status again is a no-op.
func (r *Registry) SetStatus(ctx context.Context, id, userID, status string, lastError *string) error {
	const op = oerr.Op("instance.SetStatus")

	if !persistence.IsValidStatus(status) {
		return oerr.E(op, oerr.KindInvalid, "invalid status "+status)
	}

	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	inst, err := r.GetInstance(id, userID)
	if err != nil {
		return err
	}
	if inst.Status == status {
		return nil
	}
	if !transitionAllowed(inst.Status, status) {
		return oerr.E(op, oerr.KindInvalid,
			fmt.Sprintf("cannot transition instance %s from %s to %s", id, inst.Status, status))
	}

	if err := r.ops.UpdateInstanceStatus(id, status, lastError); err != nil {
		return err
	}
	r.appendEvent(ctx, id, persistence.EventStatusChanged, status)
	return nil
}

var statusRank = map[string]int{
	persistence.StatusRunning:    0,
	persistence.StatusIdle:       1,
	persistence.StatusError:      2,
	persistence.StatusTerminated: 3,
}

func transitionAllowed(from, to string) bool {
	if from == persistence.StatusTerminated {
		return false
	}
	if from == persistence.StatusError && to == persistence.StatusRunning {
		return true // recoverable
	}
	return statusRank[to] > statusRank[from]
}

// CreateTerminal spawns a terminal session for an instance after the
// ownership check. Agent sessions run the agent command; directory sessions
// run a plain shell. Both are scoped to the instance's worktree.
func (r *Registry) CreateTerminal(ctx context.Context, id, userID string, kind term.Kind) (*term.Session, error) {
	const op = oerr.Op("instance.CreateTerminal")

	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	inst, err := r.GetInstance(id, userID)
	if err != nil {
		return nil, err
	}
	if inst.Status == persistence.StatusTerminated {
		return nil, oerr.E(op, oerr.KindInvalid, "instance "+id+" is terminated")
	}

	wt, err := r.worktrees.Get(inst.WorktreeID, userID)
	if err != nil {
		return nil, err
	}

	opts := term.Options{WorkDir: wt.Path}
	if kind == term.KindAgentPTY {
		desc, err := r.agents.GetAgentInfoByID(inst.AgentType)
		if err != nil {
			return nil, err
		}
		if !desc.SupportsPTY {
			return nil, oerr.E(op, oerr.KindInvalid, "agent type "+inst.AgentType+" does not support PTY sessions")
		}
		opts.Command = []string{desc.Command}
	}

	session, err := r.terminals.CreateSession(id, kind, opts)
	if err != nil {
		return nil, err
	}

	if r.recorder != nil {
		r.recorder.ObserveTerminalOpened(string(kind))
	}
	r.appendEvent(ctx, id, persistence.EventTerminalAttached, session.ID)
	if err := r.ops.TouchInstance(id); err != nil {
		r.logger.Warn("Failed to touch instance %s: %v", id, err)
	}
	return session, nil
}

// CloseTerminal closes one of the instance's sessions. Unknown session ids
// are a no-op, matching the terminal registry's idempotent close.
func (r *Registry) CloseTerminal(ctx context.Context, id, userID, sessionID string) error {
	inst, err := r.GetInstance(id, userID)
	if err != nil {
		return err
	}

	session := r.terminals.Get(sessionID)
	if session == nil || session.InstanceID != inst.ID {
		return nil
	}

	kind := session.Kind
	r.terminals.CloseSession(sessionID)
	if r.recorder != nil {
		r.recorder.ObserveTerminalClosed(string(kind))
	}
	r.appendEvent(ctx, id, persistence.EventTerminalDetached, sessionID)
	return nil
}

// GetTerminals lists the instance's terminal sessions in creation order.
func (r *Registry) GetTerminals(id, userID string) ([]*term.Session, error) {
	if _, err := r.GetInstance(id, userID); err != nil {
		return nil, err
	}
	return r.terminals.GetSessionsByInstance(id), nil
}

// GetEvents returns the instance's events with seq > since, for incremental
// polling.
func (r *Registry) GetEvents(id, userID string, since int64) ([]*persistence.InstanceEvent, error) {
	if _, err := r.GetInstance(id, userID); err != nil {
		return nil, err
	}
	return r.ops.ListEventsSince(id, since)
}

// RecordRevert appends the revert event after a successful gateway revert.
func (r *Registry) RecordRevert(ctx context.Context, id, userID string) {
	if _, err := r.GetInstance(id, userID); err != nil {
		return
	}
	r.appendEvent(ctx, id, persistence.EventWorktreeReverted, "")
}

// Reconcile runs the startup recovery pass: instances left running by a
// previous process are moved to error, since their PTY processes are gone.
func (r *Registry) Reconcile(ctx context.Context) error {
	running, err := r.ops.ListInstancesByStatus(persistence.StatusRunning)
	if err != nil {
		return err
	}
	for _, inst := range running {
		msg := "orphaned by restart"
		if err := r.ops.UpdateInstanceStatus(inst.ID, persistence.StatusError, &msg); err != nil {
			return err
		}
		r.appendEvent(ctx, inst.ID, persistence.EventStatusChanged, persistence.StatusError)
		r.logger.Warn("Instance %s was running at shutdown; marked error", inst.ID)
	}
	return nil
}

// appendEvent allocates the next sequence number and records the event.
// Event loss is logged, never fatal: the event log is advisory.
func (r *Registry) appendEvent(_ context.Context, id, kind, detail string) {
	seq, err := r.ops.NextSeq(id)
	if err != nil {
		r.logger.Warn("Failed to allocate seq for instance %s: %v", id, err)
		return
	}
	if err := r.ops.AppendEvent(&persistence.InstanceEvent{
		InstanceID: id,
		Seq:        seq,
		Kind:       kind,
		Detail:     detail,
	}); err != nil {
		r.logger.Warn("Failed to append event for instance %s: %v", id, err)
		return
	}
	if r.recorder != nil {
		r.recorder.ObserveInstanceEvent(id, kind)
	}
}

func (r *Registry) observe(agentType, operation string, success bool) {
	if r.recorder != nil {
		r.recorder.ObserveInstanceOp(agentType, operation, success)
	}
}
