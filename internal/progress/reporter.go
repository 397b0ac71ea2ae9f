package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/pipeline-state/internal/logging"
	"github.com/johndauphine/pipeline-state/internal/state"
)

// ProgressUpdate represents a JSON progress update for automation/Airflow.
type ProgressUpdate struct {
	Timestamp        string   `json:"timestamp"`
	Phase            string   `json:"phase"`
	RunID            string   `json:"run_id"`
	TablesCompleted  int      `json:"tables_completed"`
	TablesFailed     int      `json:"tables_failed"`
	TablesSkipped    int      `json:"tables_skipped"`
	TablesTotal      int      `json:"tables_total"`
	TablesRunning    int      `json:"tables_running"`
	RecordsExtracted int64    `json:"records_extracted"`
	ProgressPct      float64  `json:"progress_pct"`
	CurrentTables    []string `json:"current_tables,omitempty"`
	ErrorCount       int      `json:"error_count,omitempty"`
}

// FromProgress builds an update from the engine's progress view.
func FromProgress(phase string, p state.Progress) ProgressUpdate {
	return ProgressUpdate{
		Phase:           phase,
		RunID:           p.RunID,
		TablesCompleted: p.CompletedTables,
		TablesFailed:    p.FailedTables,
		TablesSkipped:   p.SkippedTables,
		TablesTotal:     p.TotalTables,
		TablesRunning:   p.RunningTables,
		ProgressPct:     p.CompletionRate,
	}
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates (to avoid flooding).
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update to the writer.
// Updates are throttled based on the configured interval.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.emit(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for phase transitions and terminal table events.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.emit(update, time.Now())
}

func (r *JSONReporter) emit(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}

	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}
