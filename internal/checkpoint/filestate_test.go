package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func sampleDocument(runID string) *Document {
	start := time.Date(2025, 1, 23, 12, 0, 0, 0, time.UTC)
	windowStart := time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.Add(24 * time.Hour)
	end := start.Add(3 * time.Minute)
	return &Document{
		Pipeline: PipelineState{
			PipelineID:      "c1c3a3b0-5f5d-4c1e-9d0c-8e2f7b1f2a10",
			RunID:           runID,
			Status:          PipelineRunning,
			ExtractionDate:  windowStart,
			WindowStart:     windowStart,
			WindowEnd:       windowEnd,
			StartTime:       start,
			TotalTables:     2,
			CompletedTables: 1,
		},
		Extractions: map[string]ExtractionState{
			"crm.dbo.Users": {
				TableKey:     "crm.dbo.Users",
				Status:       ExtractionCompleted,
				WindowStart:  &windowStart,
				WindowEnd:    &windowEnd,
				RecordCount:  1200,
				OutputPath:   "/data/crm/Users/202501/23/x.parquet",
				Checksum:     "abc",
				StartTime:    &start,
				EndTime:      &end,
				AttemptCount: 1,
			},
			"crm.dbo.Orders": {
				TableKey: "crm.dbo.Orders",
				Status:   ExtractionPending,
			},
		},
	}
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	doc := sampleDocument("20250123_120000")
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(store.Path("20250123_120000")); err != nil {
		t.Fatalf("state file not created: %v", err)
	}

	loaded, err := store.Load("20250123_120000")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Metadata.Version != SchemaVersion {
		t.Errorf("version = %q, want %q", loaded.Metadata.Version, SchemaVersion)
	}
	if loaded.Metadata.SavedAt.IsZero() {
		t.Error("saved_at not set")
	}
	if loaded.Pipeline.CompletedTables != 1 {
		t.Errorf("completed_tables = %d, want 1", loaded.Pipeline.CompletedTables)
	}
	users := loaded.Extractions["crm.dbo.Users"]
	if users.Status != ExtractionCompleted || users.RecordCount != 1200 {
		t.Errorf("users = %+v", users)
	}
	if !users.WindowStart.Equal(*doc.Extractions["crm.dbo.Users"].WindowStart) {
		t.Errorf("window_start = %v", users.WindowStart)
	}
}

func TestFileStore_DocumentLayout(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Save(sampleDocument("layout")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(store.Path("layout"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"pipeline", "extractions", "metadata"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing top-level key %q", key)
		}
	}
	var meta map[string]any
	if err := json.Unmarshal(raw["metadata"], &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if _, ok := meta["saved_at"]; !ok {
		t.Error("metadata.saved_at missing")
	}
	if meta["version"] != SchemaVersion {
		t.Errorf("metadata.version = %v", meta["version"])
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_, err = store.Load("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load missing = %v, want ErrNotFound", err)
	}
}

func TestFileStore_CorruptDocuments(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"empty", "", "empty file"},
		{"truncated", `{"pipeline": {"run_id": "r1"`, "invalid JSON"},
		{"no version", `{"pipeline": {"run_id": "r1", "status": "running"}, "extractions": {}, "metadata": {}}`, "missing schema version"},
		{"future major", `{"pipeline": {"run_id": "r1", "status": "running"}, "extractions": {}, "metadata": {"version": "2.0"}}`, "unsupported schema version"},
		{"bad status", `{"pipeline": {"run_id": "r1", "status": "running"}, "extractions": {"t": {"status": "exploded"}}, "metadata": {"version": "1.0"}}`, "unknown status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewFileStore(t.TempDir(), 0)
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			path := store.Path("r1")
			if err := os.WriteFile(path, []byte(tt.body), 0600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			_, err = store.Load("r1")
			var corrupt *StateCorruptionError
			if !errors.As(err, &corrupt) {
				t.Fatalf("Load = %v, want StateCorruptionError", err)
			}
			if !strings.Contains(corrupt.Reason, tt.reason) {
				t.Errorf("reason = %q, want containing %q", corrupt.Reason, tt.reason)
			}

			// The file is left untouched for inspection.
			data, _ := os.ReadFile(path)
			if string(data) != tt.body {
				t.Error("corrupt file was modified")
			}
		})
	}
}

func TestFileStore_OlderMinorVersionAndUnknownFields(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	body := `{
		"pipeline": {"run_id": "r1", "status": "running", "total_tables": 1, "operator": "ops"},
		"extractions": {"a.b.c": {"status": "pending", "priority": 3}},
		"metadata": {"version": "1.0", "saved_at": "2025-01-23T12:00:00Z", "host": "etl-01"}
	}`
	if err := os.WriteFile(store.Path("r1"), []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	doc, err := store.Load("r1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := doc.Extractions["a.b.c"].TableKey; got != "a.b.c" {
		t.Errorf("table_key backfilled = %q, want a.b.c", got)
	}
}

func TestFileStore_RejectsBadRunID(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for _, id := range []string{"", "../escape", `a\b`, ".."} {
		if err := store.Save(sampleDocument(id)); err == nil {
			t.Errorf("Save(%q) succeeded, want error", id)
		}
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			doc := sampleDocument("concurrent")
			doc.Pipeline.CompletedTables = n
			if err := store.Save(doc); err != nil {
				t.Errorf("Save: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if _, err := store.Load("concurrent"); err != nil {
		t.Fatalf("Load after concurrent saves: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestFileStore_ListAndCleanup(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	finished := sampleDocument("old_done")
	finished.Pipeline.Status = PipelineCompleted
	running := sampleDocument("old_running")
	recent := sampleDocument("recent_done")
	recent.Pipeline.Status = PipelineCompleted
	for _, d := range []*Document{finished, running, recent} {
		if err := store.Save(d); err != nil {
			t.Fatalf("Save(%s): %v", d.Pipeline.RunID, err)
		}
	}
	if err := os.WriteFile(store.Path("broken"), []byte("{"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	old := time.Now().Add(-10 * 24 * time.Hour)
	for _, id := range []string{"old_done", "old_running", "broken"} {
		if err := os.Chtimes(store.Path(id), old, old); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	summaries, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 4 {
		t.Fatalf("List returned %d entries, want 4", len(summaries))
	}
	if summaries[0].RunID != "recent_done" {
		t.Errorf("first entry = %s, want recent_done", summaries[0].RunID)
	}
	var sawCorrupt bool
	for _, s := range summaries {
		if s.RunID == "broken" && s.Corrupt != "" {
			sawCorrupt = true
		}
	}
	if !sawCorrupt {
		t.Error("broken file not flagged as corrupt")
	}

	limited, err := store.List(2)
	if err != nil {
		t.Fatalf("List(2): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(2) returned %d entries", len(limited))
	}

	removed, err := store.Cleanup(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Load("old_done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old_done still present: %v", err)
	}
	for _, id := range []string{"old_running", "recent_done"} {
		if _, err := store.Load(id); err != nil {
			t.Errorf("Load(%s) after cleanup: %v", id, err)
		}
	}
	if _, err := os.Stat(store.Path("broken")); err != nil {
		t.Errorf("corrupt file removed by cleanup: %v", err)
	}
}

func TestTableKey(t *testing.T) {
	tests := []struct {
		source, schema, table string
		want                  string
	}{
		{"crm", "dbo", "Users", "crm.dbo.Users"},
		{"crm", "", "Users", "crm.Users"},
		{"", "", "Users", "Users"},
	}
	for _, tt := range tests {
		if got := TableKey(tt.source, tt.schema, tt.table); got != tt.want {
			t.Errorf("TableKey(%q, %q, %q) = %q, want %q", tt.source, tt.schema, tt.table, got, tt.want)
		}
	}
}

func TestDocumentClone(t *testing.T) {
	doc := sampleDocument("clone")
	doc.Audit = []AuditEntry{{Action: AuditSkip, TableKey: "x"}}
	doc.EngineErrors = []EngineError{{Op: "checkpoint", Message: "disk full"}}
	c := doc.Clone()

	e := c.Extractions["crm.dbo.Orders"]
	e.Status = ExtractionFailed
	c.Extractions["crm.dbo.Orders"] = e
	c.Audit[0].Action = AuditResetFailed
	c.EngineErrors[0].Message = "changed"

	if doc.Extractions["crm.dbo.Orders"].Status != ExtractionPending {
		t.Error("clone shares extraction map")
	}
	if doc.Audit[0].Action != AuditSkip {
		t.Error("clone shares audit slice")
	}
	if doc.EngineErrors[0].Message != "disk full" {
		t.Error("clone shares engine error slice")
	}
}

func TestFileStore_ConcurrentSavesAcrossStores(t *testing.T) {
	dir := t.TempDir()
	stores := make([]*FileStore, 2)
	for i := range stores {
		s, err := NewFileStore(dir, 5*time.Second)
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		stores[i] = s
	}

	const saves = 25
	var wg sync.WaitGroup
	errs := make(chan error, len(stores)*saves)
	for i, s := range stores {
		wg.Add(1)
		go func(worker int, s *FileStore) {
			defer wg.Done()
			for n := 0; n < saves; n++ {
				doc := sampleDocument("shared")
				doc.Pipeline.CompletedTables = worker*100 + n
				if err := s.Save(doc); err != nil {
					errs <- err
				}
			}
		}(i, s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Save: %v", err)
	}

	loaded, err := stores[0].Load("shared")
	if err != nil {
		t.Fatalf("Load after concurrent saves: %v", err)
	}
	if got := loaded.Pipeline.CompletedTables; got%100 != saves-1 {
		t.Errorf("completed_tables = %d, want the last save of a writer", got)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}
