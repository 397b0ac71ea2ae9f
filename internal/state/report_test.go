package state

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

func TestPipelineProgress(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{})
	if _, err := m.StartPipeline("progress", testDate, []string{"A", "B", "C", "D"}); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	h.extract(m, "A", 1)
	h.fail(m, "B", "x")
	start, end := CanonicalWindow(testDate)
	if err := m.StartExtraction("C", start, end); err != nil {
		t.Fatalf("StartExtraction: %v", err)
	}

	p, err := m.PipelineProgress()
	if err != nil {
		t.Fatalf("PipelineProgress: %v", err)
	}
	if p.CompletionRate != 25 {
		t.Errorf("completion_rate = %v, want 25", p.CompletionRate)
	}
	if p.PendingTables != 2 || p.RunningTables != 1 {
		t.Errorf("pending = %d running = %d, want 2 and 1", p.PendingTables, p.RunningTables)
	}
	if p.ElapsedSeconds != 3 {
		t.Errorf("elapsed = %v, want 3", p.ElapsedSeconds)
	}
}

func TestPipelineProgress_NoTables(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{})
	if _, err := m.StartPipeline("none", testDate, nil); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	p, err := m.PipelineProgress()
	if err != nil {
		t.Fatalf("PipelineProgress: %v", err)
	}
	if p.CompletionRate != 0 {
		t.Errorf("completion_rate = %v, want 0", p.CompletionRate)
	}
}

func TestExtractionSummary(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{})
	if _, err := m.StartPipeline("summary", testDate, []string{"fast", "slow", "broken", "waiting"}); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}

	start, end := CanonicalWindow(testDate)
	timed := func(key string, d time.Duration, records int64) {
		t.Helper()
		if err := m.StartExtraction(key, start, end); err != nil {
			t.Fatalf("StartExtraction(%s): %v", key, err)
		}
		h.clock.Advance(d)
		path := "/out/" + key
		h.artifacts.put(path, records, "s")
		if err := m.CompleteExtraction(key, Outcome{Success: true, RecordCount: records, OutputPath: path}); err != nil {
			t.Fatalf("CompleteExtraction(%s): %v", key, err)
		}
	}
	timed("fast", 2*time.Second, 10)
	timed("slow", 8*time.Second, 30)
	h.fail(m, "broken", "permission denied")

	s, err := m.ExtractionSummary()
	if err != nil {
		t.Fatalf("ExtractionSummary: %v", err)
	}
	if s.ByStatus[checkpoint.ExtractionCompleted] != 2 || s.ByStatus[checkpoint.ExtractionFailed] != 1 || s.ByStatus[checkpoint.ExtractionPending] != 1 {
		t.Errorf("by_status = %v", s.ByStatus)
	}
	if s.TotalRecords != 40 || s.TotalBytes != 40 {
		t.Errorf("totals = %d records %d bytes", s.TotalRecords, s.TotalBytes)
	}
	if s.FastestTable != "fast" || s.SlowestTable != "slow" {
		t.Errorf("fastest = %s slowest = %s", s.FastestTable, s.SlowestTable)
	}
	if s.AverageDurationSeconds != 5 {
		t.Errorf("average = %v, want 5", s.AverageDurationSeconds)
	}
	if len(s.Failed) != 1 || s.Failed[0].Error != "permission denied" {
		t.Errorf("failed = %+v", s.Failed)
	}
	if len(s.Pending) != 1 || s.Pending[0] != "waiting" {
		t.Errorf("pending = %v", s.Pending)
	}
}

func TestCreateExtractionReport(t *testing.T) {
	h := newHarness(t)
	runID := "report"
	keys := []string{"A", "B", "C", "D"}

	// Three restarts push the run over the restart threshold.
	var m *Manager
	for i := 0; i < 4; i++ {
		m = h.manager(Options{})
		if _, err := m.StartPipeline(runID, testDate, keys); err != nil {
			t.Fatalf("StartPipeline #%d: %v", i, err)
		}
	}

	h.extract(m, "A", 1)
	for i := 0; i < 3; i++ {
		h.fail(m, "B", "flaky source")
	}
	ws, we := CanonicalWindow(testDate.AddDate(0, 0, -1))
	if err := m.StartExtraction("C", ws, we); err != nil {
		t.Fatalf("StartExtraction(C): %v", err)
	}
	if err := m.CompleteExtraction("C", Outcome{Success: true}); err != nil {
		t.Fatalf("CompleteExtraction(C): %v", err)
	}
	// An orchestration bug: completing a pending table.
	if err := m.CompleteExtraction("D", Outcome{Success: true}); err == nil {
		t.Fatal("expected InvalidTransitionError")
	}

	r, err := m.CreateExtractionReport()
	if err != nil {
		t.Fatalf("CreateExtractionReport: %v", err)
	}

	types := make(map[string]Recommendation)
	for _, rec := range r.Recommendations {
		types[rec.Type] = rec
		if rec.Message == "" || rec.Action == "" {
			t.Errorf("recommendation %s missing message or action", rec.Type)
		}
	}
	for _, want := range []string{
		RecommendFailedExtractions,
		RecommendPendingExtractions,
		RecommendWindowMismatch,
		RecommendExcessiveRestarts,
		RecommendRepeatedAttempts,
		RecommendEngineErrors,
	} {
		if _, ok := types[want]; !ok {
			t.Errorf("missing recommendation %s", want)
		}
	}
	if !strings.Contains(types[RecommendWindowMismatch].Message, "C") {
		t.Errorf("window recommendation = %q", types[RecommendWindowMismatch].Message)
	}
	if !strings.Contains(types[RecommendRepeatedAttempts].Message, "B (3)") {
		t.Errorf("attempts recommendation = %q", types[RecommendRepeatedAttempts].Message)
	}
	if r.Recommendations[0].Type != RecommendEngineErrors {
		t.Errorf("first recommendation = %s, want engine_errors", r.Recommendations[0].Type)
	}

	// Table failures and engine errors are reported separately.
	if len(r.Summary.Failed) != 1 || len(r.EngineErrors) != 1 {
		t.Errorf("failed = %d engine errors = %d", len(r.Summary.Failed), len(r.EngineErrors))
	}
	if r.EngineErrors[0].TableKey != "D" {
		t.Errorf("engine error table = %s", r.EngineErrors[0].TableKey)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	for _, field := range []string{`"recommendations"`, `"type"`, `"message"`, `"engine_errors"`, `"window_validation"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("report JSON missing %s", field)
		}
	}
}

func TestCreateExtractionReport_Healthy(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{})
	if _, err := m.StartPipeline("healthy", testDate, []string{"A"}); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	h.extract(m, "A", 3)
	if _, err := m.FinishPipeline(); err != nil {
		t.Fatalf("FinishPipeline: %v", err)
	}

	r, err := m.CreateExtractionReport()
	if err != nil {
		t.Fatalf("CreateExtractionReport: %v", err)
	}
	if len(r.Recommendations) != 0 {
		t.Errorf("recommendations = %+v, want none", r.Recommendations)
	}
	if r.Pipeline.CompletionRate != 100 {
		t.Errorf("completion_rate = %v", r.Pipeline.CompletionRate)
	}
	if !r.WindowValidation.Consistent {
		t.Error("window validation inconsistent")
	}
}

func TestThresholdsDefaults(t *testing.T) {
	got := Thresholds{Attempts: 5}.withDefaults()
	if got.Restarts != 3 || got.Attempts != 5 {
		t.Errorf("withDefaults = %+v", got)
	}
}
