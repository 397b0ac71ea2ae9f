package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/state"
)

func TestJSONReporterThrottles(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Hour)

	r.Report(ProgressUpdate{Phase: "extracting", TablesTotal: 3})
	r.Report(ProgressUpdate{Phase: "extracting", TablesTotal: 3, TablesCompleted: 1})
	r.ReportImmediate(ProgressUpdate{Phase: "finished", TablesTotal: 3, TablesCompleted: 3})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (second update throttled):\n%s", len(lines), buf.String())
	}

	var last ProgressUpdate
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if last.Phase != "finished" || last.TablesCompleted != 3 {
		t.Errorf("last update = %+v", last)
	}
	if last.Timestamp == "" {
		t.Error("timestamp not set")
	}
}

func TestJSONReporterClosed(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, 0)
	r.Close()
	r.ReportImmediate(ProgressUpdate{Phase: "finished"})
	if buf.Len() != 0 {
		t.Errorf("closed reporter wrote %q", buf.String())
	}
}

func TestFromProgress(t *testing.T) {
	u := FromProgress("extracting", state.Progress{
		RunID:           "20250123_120000",
		Status:          checkpoint.PipelineRunning,
		TotalTables:     4,
		CompletedTables: 2,
		FailedTables:    1,
		RunningTables:   1,
		CompletionRate:  50,
	})
	if u.RunID != "20250123_120000" || u.TablesTotal != 4 || u.TablesCompleted != 2 ||
		u.TablesFailed != 1 || u.TablesRunning != 1 || u.ProgressPct != 50 {
		t.Errorf("FromProgress = %+v", u)
	}
}

func TestTrackerCounts(t *testing.T) {
	var buf bytes.Buffer
	tr := NewWithWriter(&buf)
	tr.SetTotal(3)

	tr.StartTable("crm.dbo.Users")
	tr.StartTable("crm.dbo.Orders")
	tr.EndTable("crm.dbo.Users", 100, false)
	tr.EndTable("crm.dbo.Orders", 0, true)
	tr.EndTable("crm.dbo.Items", 0, false)
	tr.Finish()

	if tr.Done() != 3 {
		t.Errorf("Done = %d, want 3", tr.Done())
	}
	if tr.Records() != 100 {
		t.Errorf("Records = %d, want 100", tr.Records())
	}
	if buf.Len() == 0 {
		t.Error("expected bar output")
	}
}

func TestTrackerWithoutTerminal(t *testing.T) {
	tr := NewWithWriter(nil)
	tr.SetTotal(1)
	tr.StartTable("a")
	tr.EndTable("a", 5, false)
	tr.Finish()
	if tr.Done() != 1 {
		t.Errorf("Done = %d, want 1", tr.Done())
	}
}
