package orchestrator

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ccheshirecat/fleet/internal/server/submitter"
)

var (
	// ErrComputeNotFound indicates the requested compute does not exist.
	ErrComputeNotFound = errors.New("orchestrator: compute not found")
	// ErrContainerNotFound indicates the requested virtualization container does not exist.
	ErrContainerNotFound = errors.New("orchestrator: container not found")
	// ErrUnknownAction is returned for action names with no implementation.
	ErrUnknownAction = errors.New("orchestrator: unknown action")
	// ErrNoCandidate is returned by allocate when no host can take the VM.
	ErrNoCandidate = errors.New("found no fitting machines to allocate to")
	// ErrNotApplicable is returned when an action does not apply to the compute's current state.
	ErrNotApplicable = errors.New("orchestrator: action not applicable")
)

// ValidationError aborts a single action before any state change.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	if e == nil || e.Err == nil {
		return "validation error"
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConflictError reports that a migration destination already holds the VM.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	if e == nil || e.Err == nil {
		return "conflict"
	}
	return e.Err.Error()
}

func (e *ConflictError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConsistencyError reports that a remote operation claimed success but the
// expected effect could not be observed.
type ConsistencyError struct {
	Err error
}

func (e *ConsistencyError) Error() string {
	if e == nil || e.Err == nil {
		return "consistency check failed"
	}
	return e.Err.Error()
}

func (e *ConsistencyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AssertionError reports a request that violates a structural precondition,
// such as migrating between different backends.
type AssertionError struct {
	Err error
}

func (e *AssertionError) Error() string {
	if e == nil || e.Err == nil {
		return "assertion failed"
	}
	return "assertion failed: " + e.Err.Error()
}

func (e *AssertionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var goFrame = regexp.MustCompile(`^(goroutine \d+ \[.*\]:|created by .*|[\w./*()\-]+\(.*\)|.*\.go:\d+( \+0x[0-9a-f]+)?)$`)

// FormatError renders err for an action's output sink. Stack-frame-shaped
// lines are dropped and the remaining fragments joined; a RemoteError's
// traceback is never included.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var remote *submitter.RemoteError
	text := err.Error()
	if errors.As(err, &remote) && remote.Traceback != "" {
		text = strings.ReplaceAll(text, remote.Traceback, "")
	}

	var parts []string
	for _, line := range strings.Split(text, "\n") {
		if isStackFrame(line) {
			continue
		}
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, ": ")
}

func isStackFrame(line string) bool {
	if strings.HasPrefix(line, `  File "/`) {
		return true
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "at ") || strings.HasPrefix(trimmed, "Traceback (most recent call last)") {
		return true
	}
	return trimmed != "" && goFrame.MatchString(trimmed)
}
