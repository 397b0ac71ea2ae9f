package state

import (
	"errors"
	"fmt"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

var (
	// ErrUnknownTable is returned when a table key is not part of the run.
	ErrUnknownTable = errors.New("unknown table")

	// ErrNoActivePipeline is returned when an operation needs StartPipeline
	// or OpenPipeline first.
	ErrNoActivePipeline = errors.New("no active pipeline")
)

// InvalidTransitionError reports a status change the state machine forbids.
// It indicates an orchestration bug and is surfaced immediately.
type InvalidTransitionError struct {
	TableKey string
	From     checkpoint.ExtractionStatus
	Event    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for table %s: cannot %s from %s", e.TableKey, e.Event, e.From)
}

// IntegrityMismatchError describes why a completed artifact failed
// verification. It never escapes the idempotency gate; the gate logs it and
// reports the table as needing extraction.
type IntegrityMismatchError struct {
	TableKey string
	Path     string
	Check    string
	Expected string
	Actual   string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch for table %s (%s): %s expected %s, got %s",
		e.TableKey, e.Path, e.Check, e.Expected, e.Actual)
}

// EngineError is a failure of the engine itself, persisted with the run.
type EngineError = checkpoint.EngineError
