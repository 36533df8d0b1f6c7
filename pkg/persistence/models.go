package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Repository identifies a registered source checkout.
type Repository struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	UserID    string    `json:"user_id"`
}

// Worktree is an isolated git working copy derived from a Repository.
type Worktree struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Branch       string    `json:"branch"`
	Path         string    `json:"path"`
	UserID       string    `json:"user_id"`
}

// Instance is one active agent coding session.
//
//nolint:govet // struct alignment optimization not critical for this type
type Instance struct {
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	RepositoryID   string     `json:"repository_id"`
	WorktreeID     string     `json:"worktree_id,omitempty"`
	AgentType      string     `json:"agent_type"`
	Status         string     `json:"status"`
	UserID         string     `json:"user_id"`
	Seq            int64      `json:"seq"`
}

// InstanceEvent is one entry of an instance's ordered event log. Seq is
// unique per instance and strictly increasing.
type InstanceEvent struct {
	CreatedAt  time.Time `json:"created_at"`
	InstanceID string    `json:"instance_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	Seq        int64     `json:"seq"`
}

// Instance status constants.
const (
	StatusRunning    = "running"
	StatusIdle       = "idle"
	StatusError      = "error"
	StatusTerminated = "terminated"
)

// Instance event kinds.
const (
	EventStatusChanged    = "status_changed"
	EventTerminalAttached = "terminal_attached"
	EventTerminalDetached = "terminal_detached"
	EventWorktreeReverted = "worktree_reverted"
)

// ValidStatuses returns all valid instance statuses.
func ValidStatuses() []string {
	return []string{StatusRunning, StatusIdle, StatusError, StatusTerminated}
}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if status == s {
			return true
		}
	}
	return false
}

// NewID generates a UUID for any persisted entity.
func NewID() string {
	return uuid.New().String()
}
