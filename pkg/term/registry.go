package term

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"agentdeck/pkg/logx"
)

// Options configures a new terminal session.
type Options struct {
	// Command is the program to run. Empty means the configured shell.
	Command []string
	// WorkDir is the working directory for the process.
	WorkDir string
	// InitialCommand, when set, is written to the PTY right after spawn
	// (newline-terminated), e.g. to start an agent inside the shell.
	InitialCommand string
	// Cols/Rows are the initial terminal dimensions; zero means 80x24.
	Cols uint16
	Rows uint16
	// Env contains extra KEY=VALUE pairs for the process environment.
	Env []string
}

// Registry owns all live terminal sessions, keyed by session id and grouped
// by owning instance id. It is the single source of truth for session
// existence.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byInstance map[string][]string // creation order per instance

	shell      string
	scrollback int
	logger     *logx.Logger
}

// NewRegistry creates an empty registry. shell is the program for sessions
// without an explicit command; scrollback is the replay buffer size in bytes.
func NewRegistry(shell string, scrollback int) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		byInstance: make(map[string][]string),
		shell:      shell,
		scrollback: scrollback,
		logger:     logx.NewLogger("term"),
	}
}

// CreateSession spawns a PTY-backed process bound to an instance.
func (r *Registry) CreateSession(instanceID string, kind Kind, opts Options) (*Session, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id required for %s session", kind)
	}
	if kind != KindAgentPTY && kind != KindDirectoryPTY {
		return nil, fmt.Errorf("instance sessions must be agent-pty or directory-pty, got %s", kind)
	}
	return r.spawn(instanceID, kind, opts)
}

// CreateSystemSession spawns a standalone shell not bound to any instance,
// still trackable and closable by id.
func (r *Registry) CreateSystemSession(cwd, initialCommand string) (*Session, error) {
	return r.spawn("", KindSystemPTY, Options{WorkDir: cwd, InitialCommand: initialCommand})
}

func (r *Registry) spawn(instanceID string, kind Kind, opts Options) (*Session, error) {
	command := opts.Command
	if len(command) == 0 {
		command = []string{r.shell}
	}

	cmd := exec.Command(command[0], command[1:]...)
	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); err != nil {
			return nil, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	session := &Session{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
		state:      StateCreated,
		ptmx:       ptmx,
		cmd:        cmd,
		ring:       newRingBuffer(r.scrollback),
		subs:       make(map[string]chan []byte),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	if instanceID != "" {
		r.byInstance[instanceID] = append(r.byInstance[instanceID], session.ID)
	}
	r.mu.Unlock()

	go session.readLoop(func() { r.CloseSession(session.ID) })

	if opts.InitialCommand != "" {
		if err := session.Write([]byte(opts.InitialCommand + "\n")); err != nil {
			r.logger.Warn("Failed to send initial command to session %s: %v", session.ID, err)
		}
	}

	r.logger.Info("Spawned %s session %s (pid %d)", kind, session.ID, cmd.Process.Pid)
	return session, nil
}

// Get returns a session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// GetSessionsByInstance returns the instance's live sessions in creation
// order. An unknown instance yields an empty slice.
func (r *Registry) GetSessionsByInstance(instanceID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byInstance[instanceID]
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CloseSession closes a session and releases its process and PTY. Unknown
// ids are a silent no-op: multiple close paths (client request, instance
// teardown, process exit) may race.
func (r *Registry) CloseSession(id string) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if session.InstanceID != "" {
			ids := r.byInstance[session.InstanceID]
			for i, sid := range ids {
				if sid == id {
					r.byInstance[session.InstanceID] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			if len(r.byInstance[session.InstanceID]) == 0 {
				delete(r.byInstance, session.InstanceID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	session.close()
	r.logger.Info("Closed session %s", id)
}

// CloseInstanceSessions closes every session owned by the instance. Used by
// instance termination; idempotent.
func (r *Registry) CloseInstanceSessions(instanceID string) {
	r.mu.RLock()
	ids := append([]string(nil), r.byInstance[instanceID]...)
	r.mu.RUnlock()

	for _, id := range ids {
		r.CloseSession(id)
	}
}

// CloseAll closes every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.CloseSession(id)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
