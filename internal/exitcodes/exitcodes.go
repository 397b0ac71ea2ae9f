// Package exitcodes defines standard exit codes for CLI operations so that
// Airflow, Kubernetes and other schedulers can decide whether to retry.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/state"
)

const (
	// Success - pipeline completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing or validation errors (non-recoverable, don't retry)
	ConfigError = 1

	// LockError - another process holds the state file lock (recoverable)
	LockError = 2

	// ExtractionError - one or more tables failed, or an invalid state transition (non-recoverable)
	ExtractionError = 3

	// ValidationError - artifact integrity or window consistency check failed (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - state file corrupt, unsupported version or run not found (non-recoverable)
	StateError = 6

	// IOError - state file or artifact I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed errors are classified first; the message is the fallback.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	// Check if it's already an ExitError
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	var corrupt *checkpoint.StateCorruptionError
	if errors.As(err, &corrupt) {
		return StateError
	}
	if errors.Is(err, checkpoint.ErrLockTimeout) {
		return LockError
	}
	var ioErr *checkpoint.PersistenceIOError
	if errors.As(err, &ioErr) {
		return IOError
	}
	if errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, state.ErrNoActivePipeline) {
		return StateError
	}

	var mismatch *state.IntegrityMismatchError
	if errors.As(err, &mismatch) {
		return ValidationError
	}
	var transition *state.InvalidTransitionError
	if errors.As(err, &transition) || errors.Is(err, state.ErrUnknownTable) {
		return ExtractionError
	}

	// Check for os.PathError (file not found, permission denied, etc.)
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	// IO errors - check early for file-related errors (exit code 7)
	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Config errors (exit code 1)
	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"invalid config",
		"parsing config",
		"missing required",
		"is required",
	}) {
		return ConfigError
	}

	// Validation errors (exit code 4)
	if containsAny(errStr, []string{
		"integrity mismatch",
		"window inconsistent",
		"inconsistent window",
	}) {
		return ValidationError
	}

	// Cancelled (exit code 5)
	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	// Lock contention (exit code 2)
	if containsAny(errStr, []string{
		"lock",
		"resource temporarily unavailable",
	}) {
		return LockError
	}

	// State errors (exit code 6)
	if containsAny(errStr, []string{
		"state file",
		"checkpoint",
		"run not found",
		"schema version",
	}) {
		return StateError
	}

	// Default to extraction error for unknown errors
	return ExtractionError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case LockError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case LockError:
		return "state lock held (recoverable)"
	case ExtractionError:
		return "extraction error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
