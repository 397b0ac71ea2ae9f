package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/logging"
)

const (
	// DefaultCheckpointInterval throttles writes of intermediate progress.
	DefaultCheckpointInterval = 30 * time.Second

	defaultMaxEngineErrors = 100
)

// Options configures a Manager. Zero values take defaults.
type Options struct {
	Clock              Clock
	Artifacts          ArtifactStore
	Recorder           Recorder
	CheckpointInterval time.Duration
	SizeTolerance      float64
	SkipChecksum       bool
	Thresholds         Thresholds
	MaxEngineErrors    int
}

// Outcome is the result of one extraction attempt.
type Outcome struct {
	Success       bool
	RecordCount   int64
	OutputPath    string
	FileSizeBytes int64
	Checksum      string
	ErrorMessage  string
}

// Manager owns the state document of one run at a time. All methods are
// safe for concurrent use; every mutation is serialized by mu and written
// while mu is held, so persisted documents are totally ordered.
type Manager struct {
	mu sync.RWMutex

	store         checkpoint.Store
	artifacts     ArtifactStore
	clock         Clock
	rec           Recorder
	interval      time.Duration
	sizeTolerance float64
	skipChecksum  bool
	thresholds    Thresholds
	maxEngineErrs int

	doc      *checkpoint.Document
	dirty    bool
	lastSave time.Time
}

// NewManager creates a Manager over store. opts.Artifacts is required.
func NewManager(store checkpoint.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	m := &Manager{
		store:         store,
		artifacts:     opts.Artifacts,
		clock:         opts.Clock,
		rec:           opts.Recorder,
		interval:      opts.CheckpointInterval,
		sizeTolerance: opts.SizeTolerance,
		skipChecksum:  opts.SkipChecksum,
		thresholds:    opts.Thresholds.withDefaults(),
		maxEngineErrs: opts.MaxEngineErrors,
	}
	if m.clock == nil {
		m.clock = SystemClock{}
	}
	if m.rec == nil {
		m.rec = NopRecorder{}
	}
	if m.interval < 0 {
		m.interval = 0
	}
	if m.maxEngineErrs <= 0 {
		m.maxEngineErrs = defaultMaxEngineErrors
	}
	return m, nil
}

// StartPipeline creates or resumes the run identified by runID.
//
// A persisted, unfinished run is resumed: restart_count is incremented,
// completed, failed and skipped records are kept, records left running by a
// crash go back to pending, new keys are added and unfinished keys no
// longer requested are dropped. A finished run is reopened the same way
// without counting a restart. The result is always written before return.
func (m *Manager) StartPipeline(runID string, extractionDate time.Time, tableKeys []string) (checkpoint.PipelineState, error) {
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return checkpoint.PipelineState{}, err
	}
	keys, err := normalizeKeys(tableKeys)
	if err != nil {
		return checkpoint.PipelineState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	doc, err := m.store.Load(runID)
	switch {
	case err == nil:
		m.resume(doc, extractionDate, keys, now)
	case errors.Is(err, checkpoint.ErrNotFound):
		doc = newDocument(runID, extractionDate, keys, now)
		logging.Info("Starting pipeline %s for %s (%d tables)", runID, doc.Pipeline.WindowStart.Format("2006-01-02"), len(keys))
	default:
		return checkpoint.PipelineState{}, err
	}

	m.doc = doc
	m.lastSave = time.Time{}
	recount(m.doc)
	if err := m.flush(now); err != nil {
		m.recordEngineError("start_pipeline", "", err)
		return m.doc.Pipeline, err
	}
	return m.doc.Pipeline, nil
}

// OpenPipeline attaches to a persisted run without restart semantics.
// Used by administrative commands.
func (m *Manager) OpenPipeline(runID string) (checkpoint.PipelineState, error) {
	doc, err := m.store.Load(runID)
	if err != nil {
		return checkpoint.PipelineState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	m.dirty = false
	m.lastSave = time.Time{}
	return doc.Pipeline, nil
}

func newDocument(runID string, extractionDate time.Time, keys []string, now time.Time) *checkpoint.Document {
	windowStart, windowEnd := CanonicalWindow(extractionDate)
	doc := &checkpoint.Document{
		Pipeline: checkpoint.PipelineState{
			PipelineID:     uuid.NewString(),
			RunID:          runID,
			Status:         checkpoint.PipelineRunning,
			ExtractionDate: windowStart,
			WindowStart:    windowStart,
			WindowEnd:      windowEnd,
			StartTime:      now,
		},
		Extractions: make(map[string]checkpoint.ExtractionState, len(keys)),
	}
	for _, key := range keys {
		doc.Extractions[key] = newExtraction(key)
	}
	return doc
}

func (m *Manager) resume(doc *checkpoint.Document, extractionDate time.Time, keys []string, now time.Time) {
	p := &doc.Pipeline
	if p.Status.IsTerminal() {
		logging.Info("Reopening finished pipeline %s (was %s)", p.RunID, p.Status)
		p.EndTime = nil
	} else {
		p.RestartCount++
		logging.Info("Resuming pipeline %s (restart %d)", p.RunID, p.RestartCount)
	}
	p.Status = checkpoint.PipelineRunning

	if requested, _ := CanonicalWindow(extractionDate); !requested.Equal(p.WindowStart) {
		logging.Warn("Pipeline %s keeps its original window %s; requested date %s ignored",
			p.RunID, p.WindowStart.Format("2006-01-02"), requested.Format("2006-01-02"))
	}

	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}

	for key, e := range doc.Extractions {
		if e.Status == checkpoint.ExtractionRunning {
			doc.Audit = append(doc.Audit, auditFor(checkpoint.AuditRecoverRunning, e, now, "left running by previous process"))
			e.Status, _ = transition(key, e.Status, eventReset)
			e.StartTime = nil
			e.Worker = ""
			doc.Extractions[key] = e
			logging.Info("Table %s was interrupted, marked pending", key)
		}
		if !wanted[key] && !e.Status.IsTerminal() {
			delete(doc.Extractions, key)
		}
	}
	for _, key := range keys {
		if _, ok := doc.Extractions[key]; !ok {
			doc.Extractions[key] = newExtraction(key)
		}
	}
}

// newExtraction builds a pending record, splitting source.schema.table keys.
func newExtraction(key string) checkpoint.ExtractionState {
	e := checkpoint.ExtractionState{TableKey: key, Status: checkpoint.ExtractionPending}
	parts := strings.Split(key, ".")
	switch len(parts) {
	case 3:
		e.SourceName, e.SchemaName, e.TableName = parts[0], parts[1], parts[2]
	case 2:
		e.SourceName, e.TableName = parts[0], parts[1]
	}
	return e
}

func normalizeKeys(tableKeys []string) ([]string, error) {
	seen := make(map[string]bool, len(tableKeys))
	keys := make([]string, 0, len(tableKeys))
	for _, key := range tableKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.New("empty table key")
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// StartExtraction moves a pending or failed table to running for the given window.
func (m *Manager) StartExtraction(tableKey string, windowStart, windowEnd time.Time) error {
	return m.StartExtractionOn("", tableKey, windowStart, windowEnd)
}

// StartExtractionOn is StartExtraction that also records which worker runs it.
func (m *Manager) StartExtractionOn(worker, tableKey string, windowStart, windowEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup("start_extraction", tableKey)
	if err != nil {
		return err
	}
	next, err := transition(tableKey, e.Status, eventStart)
	if err != nil {
		return m.reject("start_extraction", tableKey, err)
	}

	now := m.clock.Now()
	ws, we := windowStart, windowEnd
	e.Status = next
	e.StartTime = &now
	e.EndTime = nil
	e.ErrorMessage = ""
	e.WindowStart = &ws
	e.WindowEnd = &we
	e.AttemptCount++
	e.Worker = worker
	m.doc.Extractions[tableKey] = e
	recount(m.doc)

	m.rec.ExtractionStarted(tableKey)
	logging.Debug("Extraction of %s started (attempt %d)", tableKey, e.AttemptCount)
	return m.maybeFlush(now)
}

// CompleteExtraction records the outcome of a running table and writes the
// document immediately.
func (m *Manager) CompleteExtraction(tableKey string, out Outcome) error {
	if out.Success {
		m.describeArtifact(tableKey, &out)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup("complete_extraction", tableKey)
	if err != nil {
		return err
	}
	event := eventComplete
	if !out.Success {
		event = eventFail
	}
	next, err := transition(tableKey, e.Status, event)
	if err != nil {
		return m.reject("complete_extraction", tableKey, err)
	}

	now := m.clock.Now()
	e.Status = next
	e.EndTime = &now
	if out.Success {
		e.RecordCount = out.RecordCount
		e.OutputPath = out.OutputPath
		e.FileSizeBytes = out.FileSizeBytes
		e.Checksum = out.Checksum
		e.ErrorMessage = ""
	} else {
		e.RecordCount = 0
		e.OutputPath = ""
		e.FileSizeBytes = 0
		e.Checksum = ""
		e.ErrorMessage = out.ErrorMessage
		if e.ErrorMessage == "" {
			e.ErrorMessage = "extraction failed"
		}
	}
	m.doc.Extractions[tableKey] = e
	recount(m.doc)

	duration, _ := e.Duration()
	m.rec.ExtractionFinished(tableKey, e.Status, e.RecordCount, duration)
	if out.Success {
		logging.Info("Extracted %s: %d records in %s", tableKey, e.RecordCount, duration.Round(time.Millisecond))
	} else {
		logging.Error("Extraction of %s failed (attempt %d): %s", tableKey, e.AttemptCount, e.ErrorMessage)
	}
	return m.flushOrRecord("complete_extraction", tableKey, now)
}

// SkipExtraction marks a pending or failed table as skipped with a reason.
func (m *Manager) SkipExtraction(tableKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup("skip_extraction", tableKey)
	if err != nil {
		return err
	}
	next, err := transition(tableKey, e.Status, eventSkip)
	if err != nil {
		return m.reject("skip_extraction", tableKey, err)
	}

	now := m.clock.Now()
	m.doc.Audit = append(m.doc.Audit, auditFor(checkpoint.AuditSkip, e, now, reason))
	e.Status = next
	e.EndTime = &now
	e.SkipReason = reason
	m.doc.Extractions[tableKey] = e
	recount(m.doc)

	m.rec.ExtractionFinished(tableKey, e.Status, 0, 0)
	logging.Warn("Skipping %s: %s", tableKey, reason)
	return m.flushOrRecord("skip_extraction", tableKey, now)
}

// ForceReprocessTable resets a table to pending whatever its status, clearing
// its previous outcome. The discarded outcome is kept in the audit trail.
func (m *Manager) ForceReprocessTable(tableKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup("force_reprocess", tableKey)
	if err != nil {
		return err
	}
	if _, err := transition(tableKey, e.Status, eventReset); err != nil {
		return m.reject("force_reprocess", tableKey, err)
	}

	now := m.clock.Now()
	m.doc.Audit = append(m.doc.Audit, auditFor(checkpoint.AuditForceReprocess, e, now, ""))
	fresh := newExtraction(tableKey)
	fresh.SourceName, fresh.SchemaName, fresh.TableName = e.SourceName, e.SchemaName, e.TableName
	m.doc.Extractions[tableKey] = fresh
	recount(m.doc)

	logging.Info("Table %s marked for reprocessing (was %s)", tableKey, e.Status)
	return m.flushOrRecord("force_reprocess", tableKey, now)
}

// ResetFailedExtractions moves every failed table back to pending and
// returns how many were reset. Attempt counts are preserved.
func (m *Manager) ResetFailedExtractions() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doc == nil {
		return 0, ErrNoActivePipeline
	}

	now := m.clock.Now()
	count := 0
	for _, key := range sortedKeys(m.doc.Extractions) {
		e := m.doc.Extractions[key]
		if e.Status != checkpoint.ExtractionFailed {
			continue
		}
		next, err := transition(key, e.Status, eventReset)
		if err != nil {
			return count, m.reject("reset_failed", key, err)
		}
		m.doc.Audit = append(m.doc.Audit, auditFor(checkpoint.AuditResetFailed, e, now, e.ErrorMessage))
		e.Status = next
		e.ErrorMessage = ""
		e.StartTime = nil
		e.EndTime = nil
		m.doc.Extractions[key] = e
		count++
	}
	if count == 0 {
		return 0, nil
	}

	recount(m.doc)
	logging.Info("Reset %d failed extraction(s) to pending", count)
	return count, m.flushOrRecord("reset_failed", "", now)
}

// FinishPipeline derives the final status from the table counters and
// writes the document.
func (m *Manager) FinishPipeline() (checkpoint.PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doc == nil {
		return checkpoint.PipelineState{}, ErrNoActivePipeline
	}

	now := m.clock.Now()
	recount(m.doc)
	p := &m.doc.Pipeline
	p.EndTime = &now
	p.Status = finalStatus(*p)

	m.rec.PipelineFinished(p.Status)
	logging.Info("Pipeline %s finished: %s (%d completed, %d failed, %d skipped, %d pending)",
		p.RunID, p.Status, p.CompletedTables, p.FailedTables, p.SkippedTables, p.PendingTables())
	err := m.flushOrRecord("finish_pipeline", "", now)
	return m.doc.Pipeline, err
}

func finalStatus(p checkpoint.PipelineState) checkpoint.PipelineStatus {
	switch {
	case p.FailedTables == 0 && p.SkippedTables == 0 && p.PendingTables() == 0:
		return checkpoint.PipelineCompleted
	case p.CompletedTables == 0 && p.FailedTables > 0:
		return checkpoint.PipelineFailed
	default:
		return checkpoint.PipelinePartiallyCompleted
	}
}

// Checkpoint writes deferred progress, if any.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doc == nil || !m.dirty {
		return nil
	}
	return m.flushOrRecord("checkpoint", "", m.clock.Now())
}

// Close flushes deferred progress.
func (m *Manager) Close() error {
	return m.Checkpoint()
}

// lookup returns the record for tableKey. Caller holds mu.
func (m *Manager) lookup(op, tableKey string) (checkpoint.ExtractionState, error) {
	if m.doc == nil {
		return checkpoint.ExtractionState{}, ErrNoActivePipeline
	}
	e, ok := m.doc.Extractions[tableKey]
	if !ok {
		return e, m.reject(op, tableKey, fmt.Errorf("%w: %s", ErrUnknownTable, tableKey))
	}
	return e, nil
}

// maybeFlush writes unless the last write is younger than the checkpoint
// interval. Caller holds mu.
func (m *Manager) maybeFlush(now time.Time) error {
	m.dirty = true
	if m.interval > 0 && !m.lastSave.IsZero() && now.Sub(m.lastSave) < m.interval {
		logging.Debug("Checkpoint deferred (last write %s ago)", now.Sub(m.lastSave).Round(time.Millisecond))
		return nil
	}
	return m.flushOrRecord("checkpoint", "", now)
}

func (m *Manager) flushOrRecord(op, tableKey string, now time.Time) error {
	if err := m.flush(now); err != nil {
		m.recordEngineError(op, tableKey, err)
		return err
	}
	return nil
}

// flush writes the document. On failure the in-memory state is kept and
// marked dirty so the next write retries it. Caller holds mu.
func (m *Manager) flush(now time.Time) error {
	m.doc.Pipeline.LastCheckpoint = &now
	m.doc.Metadata = checkpoint.Metadata{SavedAt: now, Version: checkpoint.SchemaVersion}

	started := time.Now()
	err := m.store.Save(m.doc)
	m.rec.CheckpointWritten(time.Since(started), err)
	if err != nil {
		m.dirty = true
		return err
	}
	m.dirty = false
	m.lastSave = now
	return nil
}

// recordEngineError appends to the document's bounded error list and marks
// it dirty. Caller holds mu and m.doc is set.
func (m *Manager) recordEngineError(op, tableKey string, err error) {
	errs := m.doc.EngineErrors
	if over := len(errs) - m.maxEngineErrs + 1; over > 0 {
		errs = append([]EngineError(nil), errs[over:]...)
	}
	m.doc.EngineErrors = append(errs, EngineError{
		At:       m.clock.Now(),
		Op:       op,
		TableKey: tableKey,
		Message:  err.Error(),
	})
	m.dirty = true
}

// reject records a refused operation and writes it right away, so reports
// built by a later process still show it. It returns err.
func (m *Manager) reject(op, tableKey string, err error) error {
	m.recordEngineError(op, tableKey, err)
	recount(m.doc)
	if ferr := m.flush(m.clock.Now()); ferr != nil {
		m.recordEngineError(op, tableKey, ferr)
	}
	return err
}

// recount derives the pipeline counters from the extraction map.
func recount(doc *checkpoint.Document) {
	p := &doc.Pipeline
	p.TotalTables = len(doc.Extractions)
	p.CompletedTables, p.FailedTables, p.SkippedTables = 0, 0, 0
	for _, e := range doc.Extractions {
		switch e.Status {
		case checkpoint.ExtractionCompleted:
			p.CompletedTables++
		case checkpoint.ExtractionFailed:
			p.FailedTables++
		case checkpoint.ExtractionSkipped:
			p.SkippedTables++
		}
	}
}

func auditFor(action string, e checkpoint.ExtractionState, now time.Time, detail string) checkpoint.AuditEntry {
	return checkpoint.AuditEntry{
		At:               now,
		Action:           action,
		TableKey:         e.TableKey,
		PriorStatus:      e.Status,
		PriorRecordCount: e.RecordCount,
		PriorOutputPath:  e.OutputPath,
		PriorChecksum:    e.Checksum,
		Detail:           detail,
	}
}

func sortedKeys(m map[string]checkpoint.ExtractionState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the current document.
func (m *Manager) Snapshot() (*checkpoint.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return nil, ErrNoActivePipeline
	}
	return m.doc.Clone(), nil
}

// Pipeline returns the current run-level record.
func (m *Manager) Pipeline() (checkpoint.PipelineState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return checkpoint.PipelineState{}, ErrNoActivePipeline
	}
	return m.doc.Pipeline, nil
}

// Extraction returns the record for one table.
func (m *Manager) Extraction(tableKey string) (checkpoint.ExtractionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return checkpoint.ExtractionState{}, false
	}
	e, ok := m.doc.Extractions[tableKey]
	return e, ok
}

// ExtractionWindow returns the canonical window of the active run.
func (m *Manager) ExtractionWindow() (start, end time.Time, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return time.Time{}, time.Time{}, ErrNoActivePipeline
	}
	return m.doc.Pipeline.WindowStart, m.doc.Pipeline.WindowEnd, nil
}

// PendingExtractions lists tables that are pending or failed, sorted.
func (m *Manager) PendingExtractions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return nil
	}
	var keys []string
	for key, e := range m.doc.Extractions {
		if e.Status == checkpoint.ExtractionPending || e.Status == checkpoint.ExtractionFailed {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// EngineErrors returns the engine errors recorded for the run, including
// those persisted by earlier processes.
func (m *Manager) EngineErrors() []EngineError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return nil
	}
	return append([]EngineError(nil), m.doc.EngineErrors...)
}

// ValidateExtractionWindowConsistency lists terminal tables whose recorded
// window differs from the canonical one.
func (m *Manager) ValidateExtractionWindowConsistency() (WindowValidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return WindowValidation{}, ErrNoActivePipeline
	}
	return ValidateWindows(m.doc), nil
}

// PipelineProgress returns the run-level progress view.
func (m *Manager) PipelineProgress() (Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return Progress{}, ErrNoActivePipeline
	}
	return BuildProgress(m.doc, m.clock.Now()), nil
}

// ExtractionSummary returns per-status groupings and totals.
func (m *Manager) ExtractionSummary() (ExtractionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return ExtractionSummary{}, ErrNoActivePipeline
	}
	return BuildSummary(m.doc), nil
}

// CreateExtractionReport assembles progress, summary, window validation,
// recommendations and engine errors.
func (m *Manager) CreateExtractionReport() (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return nil, ErrNoActivePipeline
	}
	return BuildReport(m.doc, m.doc.EngineErrors, m.thresholds, m.clock.Now()), nil
}
