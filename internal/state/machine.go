package state

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

// Extraction lifecycle events.
const (
	eventStart    = "start"
	eventComplete = "complete"
	eventFail     = "fail"
	eventSkip     = "skip"
	eventReset    = "reset"
)

var (
	pending   = string(checkpoint.ExtractionPending)
	running   = string(checkpoint.ExtractionRunning)
	completed = string(checkpoint.ExtractionCompleted)
	failed    = string(checkpoint.ExtractionFailed)
	skipped   = string(checkpoint.ExtractionSkipped)
)

// extractionEvents is the complete transition table. Anything not listed
// here is an InvalidTransitionError.
var extractionEvents = fsm.Events{
	{Name: eventStart, Src: []string{pending, failed}, Dst: running},
	{Name: eventComplete, Src: []string{running}, Dst: completed},
	{Name: eventFail, Src: []string{running}, Dst: failed},
	{Name: eventSkip, Src: []string{pending, failed}, Dst: skipped},
	{Name: eventReset, Src: []string{pending, running, completed, failed, skipped}, Dst: pending},
}

// transition applies event to a record in status from and returns the new status.
func transition(tableKey string, from checkpoint.ExtractionStatus, event string) (checkpoint.ExtractionStatus, error) {
	machine := fsm.NewFSM(string(from), extractionEvents, nil)
	if err := machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return from, nil
		}
		return from, &InvalidTransitionError{TableKey: tableKey, From: from, Event: event}
	}
	return checkpoint.ExtractionStatus(machine.Current()), nil
}

