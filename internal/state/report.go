package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

// Recommendation types.
const (
	RecommendFailedExtractions  = "failed_extractions"
	RecommendPendingExtractions = "pending_extractions"
	RecommendWindowMismatch     = "window_inconsistency"
	RecommendExcessiveRestarts  = "excessive_restarts"
	RecommendRepeatedAttempts   = "repeated_attempts"
	RecommendEngineErrors       = "engine_errors"
)

// Thresholds drive the report recommendations.
type Thresholds struct {
	// Restarts at or above which a run is flagged as unstable.
	Restarts int `json:"restarts" yaml:"restart_warning_threshold"`
	// Attempts at or above which an unfinished table is flagged.
	Attempts int `json:"attempts" yaml:"attempt_warning_threshold"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Restarts: 3, Attempts: 3}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Restarts <= 0 {
		t.Restarts = d.Restarts
	}
	if t.Attempts <= 0 {
		t.Attempts = d.Attempts
	}
	return t
}

// Progress is the run-level progress view.
type Progress struct {
	RunID           string                    `json:"run_id"`
	PipelineID      string                    `json:"pipeline_id"`
	Status          checkpoint.PipelineStatus `json:"status"`
	ExtractionDate  string                    `json:"extraction_date"`
	WindowStart     time.Time                 `json:"window_start"`
	WindowEnd       time.Time                 `json:"window_end"`
	StartTime       time.Time                 `json:"start_time"`
	EndTime         *time.Time                `json:"end_time,omitempty"`
	LastCheckpoint  *time.Time                `json:"last_checkpoint,omitempty"`
	ElapsedSeconds  float64                   `json:"elapsed_seconds"`
	TotalTables     int                       `json:"total_tables"`
	CompletedTables int                       `json:"completed_tables"`
	FailedTables    int                       `json:"failed_tables"`
	SkippedTables   int                       `json:"skipped_tables"`
	PendingTables   int                       `json:"pending_tables"`
	RunningTables   int                       `json:"running_tables"`
	CompletionRate  float64                   `json:"completion_rate"`
	RestartCount    int                       `json:"restart_count"`
}

// TableResult is one table in a summary grouping.
type TableResult struct {
	TableKey        string  `json:"table_key"`
	RecordCount     int64   `json:"record_count,omitempty"`
	OutputPath      string  `json:"output_path,omitempty"`
	FileSizeBytes   int64   `json:"file_size_bytes,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Attempts        int     `json:"attempts"`
	Error           string  `json:"error,omitempty"`
	SkipReason      string  `json:"skip_reason,omitempty"`
}

// ExtractionSummary groups tables by status with totals and timing stats.
type ExtractionSummary struct {
	ByStatus     map[checkpoint.ExtractionStatus]int `json:"by_status"`
	Completed    []TableResult                       `json:"completed"`
	Failed       []TableResult                       `json:"failed"`
	Skipped      []TableResult                       `json:"skipped"`
	Pending      []string                            `json:"pending"`
	Running      []string                            `json:"running"`
	TotalRecords int64                               `json:"total_records"`
	TotalBytes   int64                               `json:"total_bytes"`

	AverageDurationSeconds float64 `json:"average_duration_seconds"`
	FastestTable           string  `json:"fastest_table,omitempty"`
	FastestSeconds         float64 `json:"fastest_seconds,omitempty"`
	SlowestTable           string  `json:"slowest_table,omitempty"`
	SlowestSeconds         float64 `json:"slowest_seconds,omitempty"`
}

// Recommendation is a suggested operator action.
type Recommendation struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// Report is the full diagnostic view of a run.
type Report struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	Pipeline         Progress          `json:"pipeline"`
	Summary          ExtractionSummary `json:"summary"`
	WindowValidation WindowValidation  `json:"window_validation"`
	Recommendations  []Recommendation  `json:"recommendations"`
	EngineErrors     []EngineError     `json:"engine_errors"`
}

// BuildProgress derives the progress view. now is used for elapsed time
// while the run is open.
func BuildProgress(doc *checkpoint.Document, now time.Time) Progress {
	p := doc.Pipeline
	prog := Progress{
		RunID:           p.RunID,
		PipelineID:      p.PipelineID,
		Status:          p.Status,
		ExtractionDate:  p.ExtractionDate.Format("2006-01-02"),
		WindowStart:     p.WindowStart,
		WindowEnd:       p.WindowEnd,
		StartTime:       p.StartTime,
		EndTime:         p.EndTime,
		LastCheckpoint:  p.LastCheckpoint,
		TotalTables:     p.TotalTables,
		CompletedTables: p.CompletedTables,
		FailedTables:    p.FailedTables,
		SkippedTables:   p.SkippedTables,
		PendingTables:   p.PendingTables(),
		RestartCount:    p.RestartCount,
	}
	for _, e := range doc.Extractions {
		if e.Status == checkpoint.ExtractionRunning {
			prog.RunningTables++
		}
	}
	if p.TotalTables > 0 {
		prog.CompletionRate = float64(p.CompletedTables) / float64(p.TotalTables) * 100
	}
	end := now
	if p.EndTime != nil {
		end = *p.EndTime
	}
	if !p.StartTime.IsZero() && end.After(p.StartTime) {
		prog.ElapsedSeconds = end.Sub(p.StartTime).Seconds()
	}
	return prog
}

// BuildSummary groups extraction records by status.
func BuildSummary(doc *checkpoint.Document) ExtractionSummary {
	s := ExtractionSummary{
		ByStatus:  make(map[checkpoint.ExtractionStatus]int),
		Completed: []TableResult{},
		Failed:    []TableResult{},
		Skipped:   []TableResult{},
		Pending:   []string{},
		Running:   []string{},
	}

	var totalDuration time.Duration
	var timed int
	var fastest, slowest time.Duration

	for _, key := range sortedKeys(doc.Extractions) {
		e := doc.Extractions[key]
		s.ByStatus[e.Status]++

		r := TableResult{TableKey: key, Attempts: e.AttemptCount}
		switch e.Status {
		case checkpoint.ExtractionCompleted:
			r.RecordCount = e.RecordCount
			r.OutputPath = e.OutputPath
			r.FileSizeBytes = e.FileSizeBytes
			if d, ok := e.Duration(); ok {
				r.DurationSeconds = d.Seconds()
				totalDuration += d
				timed++
				if s.FastestTable == "" || d < fastest {
					fastest, s.FastestTable = d, key
				}
				if s.SlowestTable == "" || d > slowest {
					slowest, s.SlowestTable = d, key
				}
			}
			s.TotalRecords += e.RecordCount
			s.TotalBytes += e.FileSizeBytes
			s.Completed = append(s.Completed, r)
		case checkpoint.ExtractionFailed:
			r.Error = e.ErrorMessage
			s.Failed = append(s.Failed, r)
		case checkpoint.ExtractionSkipped:
			r.SkipReason = e.SkipReason
			s.Skipped = append(s.Skipped, r)
		case checkpoint.ExtractionRunning:
			s.Running = append(s.Running, key)
		default:
			s.Pending = append(s.Pending, key)
		}
	}

	if timed > 0 {
		s.AverageDurationSeconds = (totalDuration / time.Duration(timed)).Seconds()
		s.FastestSeconds = fastest.Seconds()
		s.SlowestSeconds = slowest.Seconds()
	}
	return s
}

// BuildReport assembles the diagnostic report.
func BuildReport(doc *checkpoint.Document, engineErrors []EngineError, t Thresholds, now time.Time) *Report {
	t = t.withDefaults()
	r := &Report{
		GeneratedAt:      now,
		Pipeline:         BuildProgress(doc, now),
		Summary:          BuildSummary(doc),
		WindowValidation: ValidateWindows(doc),
		EngineErrors:     append([]EngineError{}, engineErrors...),
	}
	r.Recommendations = recommend(doc, r, t)
	return r
}

func recommend(doc *checkpoint.Document, r *Report, t Thresholds) []Recommendation {
	recs := []Recommendation{}

	if n := len(r.Summary.Failed); n > 0 {
		keys := make([]string, n)
		for i, f := range r.Summary.Failed {
			keys[i] = f.TableKey
		}
		recs = append(recs, Recommendation{
			Type:    RecommendFailedExtractions,
			Message: fmt.Sprintf("%d table(s) failed: %s", n, strings.Join(keys, ", ")),
			Action:  "Inspect the errors, then run reset-failed and re-run the pipeline",
		})
	}

	if n := r.Pipeline.PendingTables; n > 0 {
		recs = append(recs, Recommendation{
			Type:    RecommendPendingExtractions,
			Message: fmt.Sprintf("%d table(s) have not finished", n),
			Action:  "Re-run the pipeline with the same run ID to resume",
		})
	}

	if !r.WindowValidation.Consistent {
		recs = append(recs, Recommendation{
			Type: RecommendWindowMismatch,
			Message: fmt.Sprintf("%d table(s) were extracted outside %s - %s: %s",
				len(r.WindowValidation.Inconsistent),
				r.WindowValidation.ExpectedStart.Format(time.RFC3339),
				r.WindowValidation.ExpectedEnd.Format(time.RFC3339),
				strings.Join(r.WindowValidation.Inconsistent, ", ")),
			Action: "Force-reprocess the listed tables",
		})
	}

	if rc := doc.Pipeline.RestartCount; rc >= t.Restarts {
		recs = append(recs, Recommendation{
			Type:    RecommendExcessiveRestarts,
			Message: fmt.Sprintf("Pipeline restarted %d times", rc),
			Action:  "Check host stability and the logs of previous attempts",
		})
	}

	var retried []string
	for _, key := range sortedKeys(doc.Extractions) {
		e := doc.Extractions[key]
		if e.Status != checkpoint.ExtractionCompleted && e.AttemptCount >= t.Attempts {
			retried = append(retried, fmt.Sprintf("%s (%d)", key, e.AttemptCount))
		}
	}
	if len(retried) > 0 {
		recs = append(recs, Recommendation{
			Type:    RecommendRepeatedAttempts,
			Message: fmt.Sprintf("Tables with %d or more attempts: %s", t.Attempts, strings.Join(retried, ", ")),
			Action:  "Investigate the source tables before retrying again",
		})
	}

	if n := len(r.EngineErrors); n > 0 {
		recs = append(recs, Recommendation{
			Type:    RecommendEngineErrors,
			Message: fmt.Sprintf("%d engine error(s) recorded, last: %s", n, r.EngineErrors[n-1].Message),
			Action:  "Report the engine errors; they indicate an orchestration or storage fault",
		})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recommendationRank(recs[i].Type) < recommendationRank(recs[j].Type) })
	return recs
}

func recommendationRank(kind string) int {
	switch kind {
	case RecommendEngineErrors:
		return 0
	case RecommendFailedExtractions:
		return 1
	case RecommendWindowMismatch:
		return 2
	case RecommendPendingExtractions:
		return 3
	case RecommendRepeatedAttempts:
		return 4
	default:
		return 5
	}
}
