package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/state"
)

const displayTime = "2006-01-02 15:04:05"

// WriteStatus prints the run-level status of a pipeline
func WriteStatus(w io.Writer, p state.Progress) {
	fmt.Fprintf(w, "Run: %s\n", p.RunID)
	fmt.Fprintf(w, "Pipeline: %s\n", p.PipelineID)
	fmt.Fprintf(w, "Status: %s\n", p.Status)
	fmt.Fprintf(w, "Extraction date: %s\n", p.ExtractionDate)
	fmt.Fprintf(w, "Window: %s to %s\n", p.WindowStart.Format(time.RFC3339), p.WindowEnd.Format(time.RFC3339))
	fmt.Fprintf(w, "Started: %s\n", p.StartTime.Format(time.RFC3339))
	if p.EndTime != nil {
		fmt.Fprintf(w, "Finished: %s (%s)\n", p.EndTime.Format(time.RFC3339),
			(time.Duration(p.ElapsedSeconds) * time.Second).String())
	}
	if p.LastCheckpoint != nil {
		fmt.Fprintf(w, "Last checkpoint: %s\n", p.LastCheckpoint.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Tables: %d total, %d completed, %d failed, %d skipped, %d pending, %d running (%.1f%%)\n",
		p.TotalTables, p.CompletedTables, p.FailedTables, p.SkippedTables, p.PendingTables, p.RunningTables, p.CompletionRate)
	if p.RestartCount > 0 {
		fmt.Fprintf(w, "Restarts: %d\n", p.RestartCount)
	}
	if !p.Status.IsTerminal() && p.RunningTables == 0 && p.PendingTables > 0 {
		fmt.Fprintln(w, "Run 'run' with the same --run-id to resume.")
	}
}

// WriteTables prints one line per table of a document
func WriteTables(w io.Writer, doc *checkpoint.Document) {
	if len(doc.Extractions) == 0 {
		fmt.Fprintln(w, "No tables")
		return
	}

	fmt.Fprintf(w, "%-40s %-11s %8s %12s %-10s %s\n", "Table", "Status", "Attempts", "Records", "Duration", "Error")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, key := range sortedTableKeys(doc) {
		e := doc.Extractions[key]

		// Truncate table key if too long
		tableKey := e.TableKey
		if len(tableKey) > 38 {
			tableKey = tableKey[:35] + "..."
		}

		detail := e.ErrorMessage
		if e.Status == checkpoint.ExtractionSkipped {
			detail = e.SkipReason
		}
		if len(detail) > 40 {
			detail = detail[:37] + "..."
		}

		duration := ""
		if d, ok := e.Duration(); ok {
			duration = d.Round(time.Millisecond).String()
		}

		records := ""
		if e.Status == checkpoint.ExtractionCompleted {
			records = fmt.Sprintf("%d", e.RecordCount)
		}

		fmt.Fprintf(w, "%-40s %s %-9s %8d %12s %-10s %s\n",
			tableKey, statusIcon(e.Status), e.Status, e.AttemptCount, records, duration, detail)
	}
}

func statusIcon(s checkpoint.ExtractionStatus) string {
	switch s {
	case checkpoint.ExtractionCompleted:
		return "✓"
	case checkpoint.ExtractionFailed:
		return "✗"
	case checkpoint.ExtractionRunning:
		return "►"
	case checkpoint.ExtractionSkipped:
		return "-"
	default:
		return "○"
	}
}

// WriteRuns lists state files, most recent first
func WriteRuns(w io.Writer, runs []checkpoint.Summary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No pipeline runs")
		return
	}

	fmt.Fprintf(w, "%-24s %-12s %-20s %-20s %-20s %s\n", "Run", "Date", "Started", "Finished", "Status", "Tables")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, r := range runs {
		if r.Corrupt != "" {
			fmt.Fprintf(w, "%-24s CORRUPT: %s\n", r.RunID, r.Corrupt)
			continue
		}
		finished := "-"
		if r.EndTime != nil {
			finished = r.EndTime.Format(displayTime)
		}
		fmt.Fprintf(w, "%-24s %-12s %-20s %-20s %-20s %d/%d (%d failed)\n",
			r.RunID, r.ExtractionDate.Format("2006-01-02"), r.StartTime.Format(displayTime), finished,
			r.Status, r.CompletedTables, r.TotalTables, r.FailedTables)
	}
}

// WriteHistory prints the run index
func WriteHistory(w io.Writer, runs []checkpoint.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No pipeline history")
		return
	}

	fmt.Fprintf(w, "%-24s %-12s %-20s %-20s %-20s %-10s %s\n", "Run", "Date", "Started", "Completed", "Status", "Restarts", "Tables")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format(displayTime)
		}
		fmt.Fprintf(w, "%-24s %-12s %-20s %-20s %-20s %-10d %d/%d (%d failed, %d skipped)\n",
			r.RunID, r.ExtractionDate.Format("2006-01-02"), r.StartedAt.Format(displayTime), completed,
			r.Status, r.RestartCount, r.CompletedTables, r.TotalTables, r.FailedTables, r.SkippedTables)
	}

	fmt.Fprintln(w, "\nUse 'status --run-id <ID>' to view a run")
}

// WriteWindowValidation prints a window consistency result
func WriteWindowValidation(w io.Writer, v state.WindowValidation) {
	fmt.Fprintf(w, "Expected window: %s to %s\n", v.ExpectedStart.Format(time.RFC3339), v.ExpectedEnd.Format(time.RFC3339))
	fmt.Fprintf(w, "Checked: %d table(s)\n", v.Checked)
	if v.Consistent {
		fmt.Fprintln(w, "All extraction windows are consistent")
		return
	}
	fmt.Fprintf(w, "Inconsistent windows (%d):\n", len(v.Inconsistent))
	for _, key := range v.Inconsistent {
		fmt.Fprintf(w, "  %s\n", key)
	}
	fmt.Fprintln(w, "Run 'force-reprocess --table <key>' for each table to re-extract it.")
}

func sortedTableKeys(doc *checkpoint.Document) []string {
	keys := make([]string, 0, len(doc.Extractions))
	for k := range doc.Extractions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
