package state

import (
	"sort"
	"time"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

// CanonicalWindow returns [midnight, midnight+24h) of date in date's location.
func CanonicalWindow(date time.Time) (start, end time.Time) {
	y, m, d := date.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, date.Location())
	return start, start.Add(24 * time.Hour)
}

// WindowValidation is the result of a window consistency scan.
type WindowValidation struct {
	Consistent    bool      `json:"consistent"`
	ExpectedStart time.Time `json:"expected_start"`
	ExpectedEnd   time.Time `json:"expected_end"`
	Checked       int       `json:"checked"`
	Inconsistent  []string  `json:"inconsistent_tables"`
}

// ValidateWindows checks every terminal extraction against the pipeline's
// canonical window. A skipped record that never started has no window and
// is not checked; any other terminal record without one is inconsistent.
func ValidateWindows(doc *checkpoint.Document) WindowValidation {
	v := WindowValidation{
		ExpectedStart: doc.Pipeline.WindowStart,
		ExpectedEnd:   doc.Pipeline.WindowEnd,
		Inconsistent:  []string{},
	}
	for key, e := range doc.Extractions {
		if !e.Status.IsTerminal() {
			continue
		}
		if e.Status == checkpoint.ExtractionSkipped && e.WindowStart == nil && e.WindowEnd == nil {
			continue
		}
		v.Checked++
		if !windowMatches(e, v.ExpectedStart, v.ExpectedEnd) {
			v.Inconsistent = append(v.Inconsistent, key)
		}
	}
	sort.Strings(v.Inconsistent)
	v.Consistent = len(v.Inconsistent) == 0
	return v
}

func windowMatches(e checkpoint.ExtractionState, start, end time.Time) bool {
	return e.WindowStart != nil && e.WindowEnd != nil &&
		e.WindowStart.Equal(start) && e.WindowEnd.Equal(end)
}
