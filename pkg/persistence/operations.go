package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// DatabaseOperations provides methods for database operations. Lookup methods
// return (nil, nil) when the row is absent; ownership checks belong to the
// registries above this layer.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// UpsertRepository inserts or updates a repository record.
func (ops *DatabaseOperations) UpsertRepository(repo *Repository) error {
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO repositories (id, path, name, user_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name
	`
	if _, err := ops.db.Exec(query, repo.ID, repo.Path, repo.Name, repo.UserID, repo.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert repository %s: %w", repo.ID, err)
	}
	return nil
}

// GetRepositoryByID retrieves a repository, or nil when absent.
func (ops *DatabaseOperations) GetRepositoryByID(id string) (*Repository, error) {
	repo := &Repository{}
	err := ops.db.QueryRow(
		"SELECT id, path, name, user_id, created_at FROM repositories WHERE id = ?", id,
	).Scan(&repo.ID, &repo.Path, &repo.Name, &repo.UserID, &repo.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s: %w", id, err)
	}
	return repo, nil
}

// ListRepositories returns repositories owned by the given user.
func (ops *DatabaseOperations) ListRepositories(userID string) ([]*Repository, error) {
	rows, err := ops.db.Query(
		"SELECT id, path, name, user_id, created_at FROM repositories WHERE user_id = ? ORDER BY created_at", userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*Repository
	for rows.Next() {
		repo := &Repository{}
		if err := rows.Scan(&repo.ID, &repo.Path, &repo.Name, &repo.UserID, &repo.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// InsertWorktree records a new worktree. The UNIQUE constraint on path
// enforces the one-live-worktree-per-path invariant at the storage layer.
func (ops *DatabaseOperations) InsertWorktree(wt *Worktree) error {
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO worktrees (id, repository_id, branch, path, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := ops.db.Exec(query, wt.ID, wt.RepositoryID, wt.Branch, wt.Path, wt.UserID, wt.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert worktree %s: %w", wt.ID, err)
	}
	return nil
}

// GetWorktreeByID retrieves a worktree, or nil when absent.
func (ops *DatabaseOperations) GetWorktreeByID(id string) (*Worktree, error) {
	wt := &Worktree{}
	err := ops.db.QueryRow(
		"SELECT id, repository_id, branch, path, user_id, created_at FROM worktrees WHERE id = ?", id,
	).Scan(&wt.ID, &wt.RepositoryID, &wt.Branch, &wt.Path, &wt.UserID, &wt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree %s: %w", id, err)
	}
	return wt, nil
}

// GetWorktreeByPath retrieves a worktree by filesystem path, or nil.
func (ops *DatabaseOperations) GetWorktreeByPath(path string) (*Worktree, error) {
	wt := &Worktree{}
	err := ops.db.QueryRow(
		"SELECT id, repository_id, branch, path, user_id, created_at FROM worktrees WHERE path = ?", path,
	).Scan(&wt.ID, &wt.RepositoryID, &wt.Branch, &wt.Path, &wt.UserID, &wt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree at %s: %w", path, err)
	}
	return wt, nil
}

// DeleteWorktree removes a worktree row. Deleting an absent row is a no-op.
func (ops *DatabaseOperations) DeleteWorktree(id string) error {
	if _, err := ops.db.Exec("DELETE FROM worktrees WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete worktree %s: %w", id, err)
	}
	return nil
}

// ListAllWorktrees returns every registered worktree (startup reconciliation).
func (ops *DatabaseOperations) ListAllWorktrees() ([]*Worktree, error) {
	rows, err := ops.db.Query(
		"SELECT id, repository_id, branch, path, user_id, created_at FROM worktrees ORDER BY created_at",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var wts []*Worktree
	for rows.Next() {
		wt := &Worktree{}
		if err := rows.Scan(&wt.ID, &wt.RepositoryID, &wt.Branch, &wt.Path, &wt.UserID, &wt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worktree: %w", err)
		}
		wts = append(wts, wt)
	}
	return wts, rows.Err()
}

const instanceColumns = `id, title, repository_id, COALESCE(worktree_id, ''), agent_type, status,
	seq, last_activity_at, last_error, user_id, created_at, updated_at`

func scanInstance(scan func(...any) error) (*Instance, error) {
	inst := &Instance{}
	err := scan(&inst.ID, &inst.Title, &inst.RepositoryID, &inst.WorktreeID, &inst.AgentType,
		&inst.Status, &inst.Seq, &inst.LastActivityAt, &inst.LastError, &inst.UserID,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// InsertInstance records a new instance.
func (ops *DatabaseOperations) InsertInstance(inst *Instance) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	query := `
		INSERT INTO instances (id, title, repository_id, worktree_id, agent_type, status,
			seq, last_activity_at, last_error, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ops.db.Exec(query, inst.ID, inst.Title, inst.RepositoryID, nullable(inst.WorktreeID),
		inst.AgentType, inst.Status, inst.Seq, inst.LastActivityAt, inst.LastError,
		inst.UserID, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstanceByID retrieves an instance, or nil when absent.
func (ops *DatabaseOperations) GetInstanceByID(id string) (*Instance, error) {
	row := ops.db.QueryRow("SELECT "+instanceColumns+" FROM instances WHERE id = ?", id)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", id, err)
	}
	return inst, nil
}

// ListInstancesByRepository returns the user's instances for one repository,
// oldest first. An empty result is not an error.
func (ops *DatabaseOperations) ListInstancesByRepository(repositoryID, userID string) ([]*Instance, error) {
	rows, err := ops.db.Query(
		"SELECT "+instanceColumns+" FROM instances WHERE repository_id = ? AND user_id = ? ORDER BY created_at",
		repositoryID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// ListInstancesByStatus returns all instances in the given status.
func (ops *DatabaseOperations) ListInstancesByStatus(status string) ([]*Instance, error) {
	rows, err := ops.db.Query("SELECT "+instanceColumns+" FROM instances WHERE status = ?", status)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateInstanceStatus transitions an instance's status and optional error.
func (ops *DatabaseOperations) UpdateInstanceStatus(id, status string, lastError *string) error {
	if !IsValidStatus(status) {
		return fmt.Errorf("invalid instance status: %s", status)
	}
	query := `
		UPDATE instances SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := ops.db.Exec(query, status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// TouchInstance updates the last-activity timestamp.
func (ops *DatabaseOperations) TouchInstance(id string) error {
	now := time.Now().UTC()
	_, err := ops.db.Exec(
		"UPDATE instances SET last_activity_at = ?, updated_at = ? WHERE id = ?", now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch instance %s: %w", id, err)
	}
	return nil
}

// NextSeq atomically allocates the next sequence number for an instance.
// No two events from the same instance can share a sequence number.
func (ops *DatabaseOperations) NextSeq(instanceID string) (int64, error) {
	var seq int64
	err := ops.db.QueryRow(
		"UPDATE instances SET seq = seq + 1, updated_at = ? WHERE id = ? RETURNING seq",
		time.Now().UTC(), instanceID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("instance %s not found", instanceID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for instance %s: %w", instanceID, err)
	}
	return seq, nil
}

// AppendEvent records an instance event under an already-allocated seq.
func (ops *DatabaseOperations) AppendEvent(event *InstanceEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO instance_events (instance_id, seq, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := ops.db.Exec(query, event.InstanceID, event.Seq, event.Kind, event.Detail, event.CreatedAt); err != nil {
		return fmt.Errorf("failed to append event for instance %s: %w", event.InstanceID, err)
	}
	return nil
}

// ListEventsSince returns events with seq > sinceSeq in sequence order,
// for incremental polling.
func (ops *DatabaseOperations) ListEventsSince(instanceID string, sinceSeq int64) ([]*InstanceEvent, error) {
	rows, err := ops.db.Query(
		`SELECT instance_id, seq, kind, COALESCE(detail, ''), created_at
		 FROM instance_events WHERE instance_id = ? AND seq > ? ORDER BY seq`,
		instanceID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*InstanceEvent
	for rows.Next() {
		e := &InstanceEvent{}
		if err := rows.Scan(&e.InstanceID, &e.Seq, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
