package notify

import (
	"time"

	"github.com/johndauphine/pipeline-state/internal/state"
)

// Provider defines the notification contract for pipeline events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// PipelineStarted sends notification when a run starts or resumes.
	PipelineStarted(runID, extractionDate string, tableCount, restartCount int) error

	// PipelineCompleted sends notification when every table completed.
	PipelineCompleted(p state.Progress, records int64) error

	// PipelineCompletedWithErrors sends notification when some tables failed or were skipped.
	PipelineCompletedWithErrors(p state.Progress, records int64, failures []string) error

	// PipelineFailed sends notification when the run failed outright.
	PipelineFailed(runID string, err error, duration time.Duration) error

	// TableExtractionFailed sends notification for individual table failures.
	TableExtractionFailed(runID, tableKey string, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
