package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/johndauphine/pipeline-state/internal/logging"
)

// Tracker renders a progress bar over the tables of a run
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int
	done      atomic.Int64
	records   atomic.Int64
	failed    atomic.Int64
	startTime time.Time

	// Track active tables for the bar description
	mu           sync.Mutex
	activeTables map[string]struct{}
}

// New creates a tracker writing to stderr. The bar is only drawn when
// stderr is a terminal.
func New() *Tracker {
	var out io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = os.Stderr
	}
	return NewWithWriter(out)
}

// NewWithWriter creates a tracker drawing to w; a nil w disables the bar.
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{
		out:          w,
		startTime:    time.Now(),
		activeTables: make(map[string]struct{}),
	}
}

// SetTotal sets the number of tables the run will process
func (t *Tracker) SetTotal(total int) {
	t.total = total
	if t.out == nil {
		return
	}
	t.bar = progressbar.NewOptions(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Extracting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetItsString("tables"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// StartTable marks a table as actively extracting
func (t *Tracker) StartTable(tableKey string) {
	t.mu.Lock()
	t.activeTables[tableKey] = struct{}{}
	desc := t.describeLocked()
	t.mu.Unlock()

	if t.bar != nil {
		t.bar.Describe(desc)
		t.bar.RenderBlank()
	}
}

// EndTable marks a table as finished. Skipped tables that never started
// are counted as well.
func (t *Tracker) EndTable(tableKey string, records int64, failed bool) {
	t.mu.Lock()
	delete(t.activeTables, tableKey)
	desc := t.describeLocked()
	t.mu.Unlock()

	t.done.Add(1)
	t.records.Add(records)
	if failed {
		t.failed.Add(1)
	}
	if t.bar != nil {
		t.bar.Describe(desc)
		t.bar.Add(1)
	}
}

func (t *Tracker) describeLocked() string {
	switch len(t.activeTables) {
	case 0:
		return "Extracting"
	case 1:
		for name := range t.activeTables {
			return fmt.Sprintf("Extracting %s", name)
		}
	}
	return fmt.Sprintf("Extracting (%d tables)", len(t.activeTables))
}

// Done returns the number of tables finished so far
func (t *Tracker) Done() int64 {
	return t.done.Load()
}

// Records returns the number of records extracted so far
func (t *Tracker) Records() int64 {
	return t.records.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Fprintln(t.out)
	}

	elapsed := time.Since(t.startTime)
	logging.Info("Extraction finished: %d/%d tables (%d failed), %d records in %s",
		t.done.Load(), t.total, t.failed.Load(), t.records.Load(), elapsed.Round(time.Second))
}
