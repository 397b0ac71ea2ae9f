package checkpoint

import (
	"strings"
	"time"
)

// SchemaVersion is written into every saved document. Any 1.x document is
// readable; unknown fields are ignored.
const SchemaVersion = "1.1"

// PipelineStatus is the aggregate status of a run.
type PipelineStatus string

const (
	PipelineNotStarted         PipelineStatus = "not_started"
	PipelineRunning            PipelineStatus = "running"
	PipelineCompleted          PipelineStatus = "completed"
	PipelinePartiallyCompleted PipelineStatus = "partially_completed"
	PipelineFailed             PipelineStatus = "failed"
)

// IsTerminal reports whether FinishPipeline has produced this status.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineCompleted, PipelinePartiallyCompleted, PipelineFailed:
		return true
	}
	return false
}

func (s PipelineStatus) valid() bool {
	return s == PipelineNotStarted || s == PipelineRunning || s.IsTerminal()
}

// ExtractionStatus is the status of a single table extraction.
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionRunning   ExtractionStatus = "running"
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionFailed    ExtractionStatus = "failed"
	ExtractionSkipped   ExtractionStatus = "skipped"
)

// IsTerminal reports whether the extraction has reached an outcome.
func (s ExtractionStatus) IsTerminal() bool {
	switch s {
	case ExtractionCompleted, ExtractionFailed, ExtractionSkipped:
		return true
	}
	return false
}

func (s ExtractionStatus) valid() bool {
	return s == ExtractionPending || s == ExtractionRunning || s.IsTerminal()
}

// TableKey builds the conventional "source.schema.table" key, skipping
// empty parts.
func TableKey(source, schema, table string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{source, schema, table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// PipelineState is the run-level record.
type PipelineState struct {
	PipelineID     string         `json:"pipeline_id"`
	RunID          string         `json:"run_id"`
	Status         PipelineStatus `json:"status"`
	ExtractionDate time.Time      `json:"extraction_date"`
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	LastCheckpoint *time.Time     `json:"last_checkpoint,omitempty"`

	TotalTables     int `json:"total_tables"`
	CompletedTables int `json:"completed_tables"`
	FailedTables    int `json:"failed_tables"`
	SkippedTables   int `json:"skipped_tables"`
	RestartCount    int `json:"restart_count"`
}

// PendingTables counts tables without an outcome (pending or running).
func (p PipelineState) PendingTables() int {
	return p.TotalTables - p.CompletedTables - p.FailedTables - p.SkippedTables
}

// Duration returns the elapsed run time, or false while the run is open.
func (p PipelineState) Duration() (time.Duration, bool) {
	if p.EndTime == nil {
		return 0, false
	}
	return p.EndTime.Sub(p.StartTime), true
}

// ExtractionState is the per-table record.
type ExtractionState struct {
	TableKey   string           `json:"table_key"`
	SourceName string           `json:"source_name,omitempty"`
	SchemaName string           `json:"schema_name,omitempty"`
	TableName  string           `json:"table_name,omitempty"`
	Status     ExtractionStatus `json:"status"`

	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`

	RecordCount   int64  `json:"record_count"`
	OutputPath    string `json:"output_path,omitempty"`
	FileSizeBytes int64  `json:"file_size_bytes,omitempty"`
	Checksum      string `json:"checksum,omitempty"`

	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Worker       string     `json:"worker,omitempty"`
}

// Duration returns end-start for records that have both timestamps.
func (e ExtractionState) Duration() (time.Duration, bool) {
	if e.StartTime == nil || e.EndTime == nil {
		return 0, false
	}
	return e.EndTime.Sub(*e.StartTime), true
}

// AuditEntry records an operator action or recovery that discarded state.
type AuditEntry struct {
	At               time.Time        `json:"at"`
	Action           string           `json:"action"`
	TableKey         string           `json:"table_key"`
	PriorStatus      ExtractionStatus `json:"prior_status"`
	PriorRecordCount int64            `json:"prior_record_count,omitempty"`
	PriorOutputPath  string           `json:"prior_output_path,omitempty"`
	PriorChecksum    string           `json:"prior_checksum,omitempty"`
	Detail           string           `json:"detail,omitempty"`
}

// Audit actions.
const (
	AuditForceReprocess = "force_reprocess"
	AuditResetFailed    = "reset_failed"
	AuditSkip           = "skip"
	AuditRecoverRunning = "recover_running"
)

// EngineError is a failure of the engine itself (bad transition, storage
// fault), kept apart from table failures in reports.
type EngineError struct {
	At       time.Time `json:"at"`
	Op       string    `json:"op"`
	TableKey string    `json:"table_key,omitempty"`
	Message  string    `json:"message"`
}

// Metadata is the document envelope.
type Metadata struct {
	SavedAt time.Time `json:"saved_at"`
	Version string    `json:"version"`
}

// Document is the persisted unit: one per run_id.
type Document struct {
	Pipeline     PipelineState              `json:"pipeline"`
	Extractions  map[string]ExtractionState `json:"extractions"`
	Audit        []AuditEntry               `json:"audit,omitempty"`
	EngineErrors []EngineError              `json:"engine_errors,omitempty"`
	Metadata     Metadata                   `json:"metadata"`
}

// Clone returns a copy that shares no maps or slices with d.
func (d *Document) Clone() *Document {
	c := &Document{
		Pipeline:    d.Pipeline,
		Extractions: make(map[string]ExtractionState, len(d.Extractions)),
		Metadata:    d.Metadata,
	}
	for k, v := range d.Extractions {
		c.Extractions[k] = v
	}
	if len(d.Audit) > 0 {
		c.Audit = append([]AuditEntry(nil), d.Audit...)
	}
	if len(d.EngineErrors) > 0 {
		c.EngineErrors = append([]EngineError(nil), d.EngineErrors...)
	}
	return c
}

// Summary is a lightweight listing entry for a persisted run.
type Summary struct {
	RunID           string
	Path            string
	Status          PipelineStatus
	ExtractionDate  time.Time
	StartTime       time.Time
	EndTime         *time.Time
	TotalTables     int
	CompletedTables int
	FailedTables    int
	RestartCount    int
	SavedAt         time.Time
	Corrupt         string // reason when the file could not be decoded
}

func compatibleVersion(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	return major == "1"
}
