package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johndauphine/pipeline-state/internal/state"
)

// RenderReport writes a styled, human-readable extraction report.
func RenderReport(w io.Writer, r *state.Report) {
	p := r.Pipeline
	var b strings.Builder

	b.WriteString(styleTitle.Render(fmt.Sprintf("Extraction report: %s", p.RunID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Status:       %s\n", pipelineStatusStyle(p.Status).Render(string(p.Status)))
	fmt.Fprintf(&b, "Date:         %s (%s to %s)\n", p.ExtractionDate,
		p.WindowStart.Format(time.RFC3339), p.WindowEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "Elapsed:      %s\n", (time.Duration(p.ElapsedSeconds * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(&b, "Tables:       %d/%d completed (%.1f%%), %d failed, %d skipped, %d pending\n",
		p.CompletedTables, p.TotalTables, p.CompletionRate, p.FailedTables, p.SkippedTables, p.PendingTables)
	if p.RestartCount > 0 {
		fmt.Fprintf(&b, "Restarts:     %s\n", styleWarning.Render(fmt.Sprint(p.RestartCount)))
	}

	s := r.Summary
	b.WriteString(styleSection.Render("Output"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Records:      %d\n", s.TotalRecords)
	fmt.Fprintf(&b, "Bytes:        %d\n", s.TotalBytes)
	if s.FastestTable != "" {
		fmt.Fprintf(&b, "Average:      %.1fs per table\n", s.AverageDurationSeconds)
		fmt.Fprintf(&b, "Fastest:      %s (%.1fs)\n", s.FastestTable, s.FastestSeconds)
		fmt.Fprintf(&b, "Slowest:      %s (%.1fs)\n", s.SlowestTable, s.SlowestSeconds)
	}

	if len(s.Failed) > 0 {
		b.WriteString(styleSection.Render(fmt.Sprintf("Failed (%d)", len(s.Failed))))
		b.WriteString("\n")
		for _, t := range s.Failed {
			fmt.Fprintf(&b, "  %s %s (attempts: %d)\n", styleError.Render("✗"), t.TableKey, t.Attempts)
			fmt.Fprintf(&b, "    %s\n", styleMuted.Render(t.Error))
		}
	}
	if len(s.Skipped) > 0 {
		b.WriteString(styleSection.Render(fmt.Sprintf("Skipped (%d)", len(s.Skipped))))
		b.WriteString("\n")
		for _, t := range s.Skipped {
			fmt.Fprintf(&b, "  %s %s: %s\n", styleWarning.Render("-"), t.TableKey, t.SkipReason)
		}
	}
	if len(s.Running)+len(s.Pending) > 0 {
		b.WriteString(styleSection.Render("Unfinished"))
		b.WriteString("\n")
		for _, k := range s.Running {
			fmt.Fprintf(&b, "  %s %s (running)\n", styleRunning.Render("►"), k)
		}
		for _, k := range s.Pending {
			fmt.Fprintf(&b, "  ○ %s\n", k)
		}
	}

	v := r.WindowValidation
	b.WriteString(styleSection.Render("Window validation"))
	b.WriteString("\n")
	if v.Consistent {
		fmt.Fprintf(&b, "  %s %d table(s) match the run window\n", styleSuccess.Render("✓"), v.Checked)
	} else {
		fmt.Fprintf(&b, "  %s %d of %d table(s) extracted for a different window: %s\n",
			styleError.Render("✗"), len(v.Inconsistent), v.Checked, strings.Join(v.Inconsistent, ", "))
	}

	if len(r.Recommendations) > 0 {
		b.WriteString(styleSection.Render("Recommendations"))
		b.WriteString("\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "  [%s] %s\n", rec.Type, rec.Message)
			if rec.Action != "" {
				fmt.Fprintf(&b, "    %s\n", styleMuted.Render("→ "+rec.Action))
			}
		}
	}

	if len(r.EngineErrors) > 0 {
		b.WriteString(styleSection.Render(fmt.Sprintf("Engine errors (%d)", len(r.EngineErrors))))
		b.WriteString("\n")
		for _, e := range r.EngineErrors {
			target := e.Op
			if e.TableKey != "" {
				target += " " + e.TableKey
			}
			fmt.Fprintf(&b, "  %s %s: %s\n", e.At.Format("15:04:05"), target, styleError.Render(e.Message))
		}
	}

	fmt.Fprintf(&b, "\n%s\n", styleMuted.Render("Generated "+r.GeneratedAt.Format(time.RFC3339)))
	io.WriteString(w, b.String())
}
