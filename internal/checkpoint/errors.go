package checkpoint

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when no document exists for a run.
var ErrNotFound = errors.New("state file not found")

// ErrLockTimeout is wrapped in a PersistenceIOError when the advisory lock
// could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for state file lock")

// StateCorruptionError reports a document that exists but cannot be trusted.
// Callers must surface it; the file is never rewritten automatically.
type StateCorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *StateCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt state file %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt state file %s: %s", e.Path, e.Reason)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// PersistenceIOError wraps a read, write or lock failure of the state file.
type PersistenceIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceIOError) Error() string {
	return fmt.Sprintf("%s state file %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceIOError) Unwrap() error {
	return e.Err
}
