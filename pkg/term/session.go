// Package term owns PTY-backed terminal sessions: spawning the underlying
// process, fanning its output out to attached clients, and tearing it down
// without leaking file descriptors.
//
// A session moves through created → attached → closed. Closed is terminal;
// closing an already-closed session is a no-op so racing close paths
// (explicit client request, instance teardown, process exit) are safe.
package term

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Kind is the tagged variant of a terminal session. Exactly one kind applies
// per session; the kind decides what process the PTY wraps.
type Kind string

const (
	// KindAgentPTY wraps an agent CLI running inside an instance worktree.
	KindAgentPTY Kind = "agent-pty"
	// KindDirectoryPTY wraps a plain shell scoped to an instance worktree.
	KindDirectoryPTY Kind = "directory-pty"
	// KindSystemPTY wraps an ad-hoc shell not bound to any instance.
	KindSystemPTY Kind = "system-pty"
)

// State is the session lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateAttached State = "attached"
	StateClosed   State = "closed"
)

const defaultTermGraceful = 3 * time.Second

// Session is one PTY-backed interactive shell.
type Session struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id,omitempty"` // empty for system sessions
	Kind       Kind      `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`

	mu     sync.Mutex
	state  State
	ptmx   *os.File
	cmd    *exec.Cmd
	ring   *ringBuffer
	subs   map[string]chan []byte
	done   chan struct{} // closed when the reader goroutine exits
	closed bool
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// readLoop pumps PTY output into the ring buffer and all subscribers. It
// exits when the PTY is closed or the process ends, then closes the session
// so a crashed process does not leave a live registry entry.
func (s *Session) readLoop(onExit func()) {
	// done must close before onExit so a close() triggered by process exit
	// does not wait out the grace period.
	defer onExit()
	defer close(s.done)

	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.ring.Write(data)

			s.mu.Lock()
			for _, ch := range s.subs {
				select {
				case ch <- data:
				default: // slow subscriber drops output rather than stalling the PTY
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Attach registers an output subscriber and returns the scrollback replay,
// the live output channel, and a detach function. The first attach moves the
// session to the attached state.
func (s *Session) Attach(subscriberID string) (replay []byte, output <-chan []byte, detach func(), err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("session %s is closed", s.ID)
	}
	ch := make(chan []byte, 64)
	s.subs[subscriberID] = ch
	s.state = StateAttached
	s.mu.Unlock()

	detach = func() {
		s.mu.Lock()
		if existing, ok := s.subs[subscriberID]; ok && existing == ch {
			delete(s.subs, subscriberID)
			close(ch)
		}
		s.mu.Unlock()
	}
	return s.ring.Bytes(), ch, detach, nil
}

// Write sends input bytes to the PTY.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.ID)
	}
	ptmx := s.ptmx
	s.mu.Unlock()

	_, err := ptmx.Write(data)
	return err
}

// Resize changes the PTY dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.ID)
	}
	ptmx := s.ptmx
	s.mu.Unlock()

	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// close tears the session down: SIGTERM with a short grace period, then
// SIGKILL if the process lingers, then the PTY file descriptor. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	cmd := s.cmd
	ptmx := s.ptmx
	done := s.done
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-done:
		case <-time.After(defaultTermGraceful):
			_ = cmd.Process.Kill()
		}
		// Reap the child so it does not linger as a zombie.
		go func() { _ = cmd.Wait() }()
	}

	if ptmx != nil {
		_ = ptmx.Close()
	}
}
