package state

import (
	"time"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

// Recorder receives engine events for metrics. Implementations must be
// safe for concurrent use and must not block.
type Recorder interface {
	ExtractionStarted(tableKey string)
	ExtractionFinished(tableKey string, status checkpoint.ExtractionStatus, records int64, duration time.Duration)
	GateDecision(tableKey string, needed bool, reason string)
	CheckpointWritten(duration time.Duration, err error)
	PipelineFinished(status checkpoint.PipelineStatus)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) ExtractionStarted(string) {}

func (NopRecorder) ExtractionFinished(string, checkpoint.ExtractionStatus, int64, time.Duration) {}

func (NopRecorder) GateDecision(string, bool, string) {}

func (NopRecorder) CheckpointWritten(time.Duration, error) {}

func (NopRecorder) PipelineFinished(checkpoint.PipelineStatus) {}
