package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptedExec is an Executor for tests: it matches commands against
// registered prefixes and replays canned results, recording every call.
type ScriptedExec struct {
	mu      sync.Mutex
	scripts []script
	Calls   [][]string
}

type script struct {
	prefix string
	result Result
	err    error
}

// NewScriptedExec creates an empty scripted executor. Unmatched commands
// fail loudly so tests cannot silently exercise the wrong path.
func NewScriptedExec() *ScriptedExec {
	return &ScriptedExec{}
}

// Name returns the executor name.
func (e *ScriptedExec) Name() string {
	return "scripted"
}

// Stub registers a canned result for commands starting with prefix,
// e.g. "git branch".
func (e *ScriptedExec) Stub(prefix string, result Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts = append(e.scripts, script{prefix: prefix, result: result, err: err})
}

// Run replays the first matching stub.
func (e *ScriptedExec) Run(_ context.Context, cmd []string, _ *Opts) (Result, error) {
	joined := strings.Join(cmd, " ")

	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, cmd)

	for _, s := range e.scripts {
		if strings.HasPrefix(joined, s.prefix) {
			return s.result, s.err
		}
	}
	return Result{}, fmt.Errorf("scripted executor: no stub for %q", joined)
}

// CallCount returns how many commands matching prefix were run.
func (e *ScriptedExec) CallCount(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.Calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			n++
		}
	}
	return n
}
