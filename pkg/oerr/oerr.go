// Package oerr provides structured error types for the orchestration layer.
// Every error carries a Kind so the route boundary can map failures to
// status codes without string matching.
package oerr

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.Function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound covers both absent entities and entities owned by a
	// different user. The two are deliberately indistinguishable so that
	// lookups never leak existence to unauthorized callers.
	KindNotFound
	KindAgentNotAllowed
	KindGitOperationFailed
	// KindResourceBusy is reserved: operations currently wait on the
	// identity-scoped lock rather than rejecting.
	KindResourceBusy
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAgentNotAllowed:
		return "agent not allowed"
	case KindGitOperationFailed:
		return "git operation failed"
	case KindResourceBusy:
		return "resource busy"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for agentdeck.
type Error struct {
	Op      Op
	Kind    Kind
	Err     error
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be an Op, a Kind, a context string,
// and an underlying error, in any order.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of an error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NotFound reports an absent or unowned entity without revealing which.
func NotFound(op Op, entity, id string) error {
	return E(op, KindNotFound, fmt.Sprintf("%s %s not found", entity, id))
}

// AgentNotAllowed reports a policy rejection for a recognized agent type.
func AgentNotAllowed(op Op, agentType string) error {
	return E(op, KindAgentNotAllowed, fmt.Sprintf("agent type %q is not allowed by deployment policy", agentType))
}

// GitFailed wraps a failed git invocation.
func GitFailed(op Op, context string, err error) error {
	return E(op, KindGitOperationFailed, context, err)
}
