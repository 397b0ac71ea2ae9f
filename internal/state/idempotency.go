package state

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/logging"
)

// ArtifactStore answers integrity questions about extraction output.
type ArtifactStore interface {
	Exists(path string) (bool, error)
	Size(path string) (int64, error)
	Checksum(path string) (string, error)
	Readable(path string) (bool, error)
}

// RowCounter is optionally implemented by artifact stores that can read the
// row count from output metadata. A negative count means the format carries
// none.
type RowCounter interface {
	RowCount(path string) (int64, error)
}

// Gate decision reasons, also used as metric labels.
const (
	ReasonForced            = "forced"
	ReasonNotTracked        = "not_tracked"
	ReasonNotCompleted      = "not_completed"
	ReasonWindowMismatch    = "window_mismatch"
	ReasonIntegrityMismatch = "integrity_mismatch"
	ReasonArtifactError     = "artifact_error"
	ReasonVerified          = "verified"
)

// IsExtractionNeeded reports whether tableKey must be (re)extracted. It
// returns false only for a completed record, extracted for the canonical
// window, whose artifact still verifies. It never mutates state.
func (m *Manager) IsExtractionNeeded(tableKey string, forceReprocess bool) (bool, error) {
	m.mu.RLock()
	if m.doc == nil {
		m.mu.RUnlock()
		return false, ErrNoActivePipeline
	}
	e, tracked := m.doc.Extractions[tableKey]
	windowStart, windowEnd := m.doc.Pipeline.WindowStart, m.doc.Pipeline.WindowEnd
	m.mu.RUnlock()

	needed, reason := true, ReasonVerified
	switch {
	case forceReprocess:
		reason = ReasonForced
	case !tracked:
		reason = ReasonNotTracked
	case e.Status != checkpoint.ExtractionCompleted:
		reason = ReasonNotCompleted
	case !windowMatches(e, windowStart, windowEnd):
		reason = ReasonWindowMismatch
		logging.Warn("Table %s was extracted for a different window, re-extracting", tableKey)
	default:
		err := m.verifyArtifact(e)
		var mismatch *IntegrityMismatchError
		switch {
		case err == nil:
			needed = false
		case errors.As(err, &mismatch):
			reason = ReasonIntegrityMismatch
			logging.Warn("%v", mismatch)
		default:
			reason = ReasonArtifactError
			logging.Warn("Artifact check for %s failed, re-extracting: %v", tableKey, err)
		}
	}

	if needed {
		logging.Debug("Extraction needed for %s: %s", tableKey, reason)
	} else {
		logging.Debug("Skipping %s: output verified", tableKey)
	}
	m.rec.GateDecision(tableKey, needed, reason)
	return needed, nil
}

// verifyArtifact checks a completed record's output. Returns an
// *IntegrityMismatchError when the artifact disagrees with the record.
func (m *Manager) verifyArtifact(e checkpoint.ExtractionState) error {
	mismatch := func(check, expected, actual string) error {
		return &IntegrityMismatchError{
			TableKey: e.TableKey,
			Path:     e.OutputPath,
			Check:    check,
			Expected: expected,
			Actual:   actual,
		}
	}

	if e.OutputPath == "" {
		// Empty extractions complete without an artifact.
		if e.RecordCount == 0 {
			return nil
		}
		return mismatch("output_path", "a path", "none")
	}

	exists, err := m.artifacts.Exists(e.OutputPath)
	if err != nil {
		return fmt.Errorf("checking %s exists: %w", e.OutputPath, err)
	}
	if !exists {
		return mismatch("exists", "true", "false")
	}

	if e.FileSizeBytes > 0 {
		size, err := m.artifacts.Size(e.OutputPath)
		if err != nil {
			return fmt.Errorf("reading size of %s: %w", e.OutputPath, err)
		}
		if !withinTolerance(size, e.FileSizeBytes, m.sizeTolerance) {
			return mismatch("size", strconv.FormatInt(e.FileSizeBytes, 10), strconv.FormatInt(size, 10))
		}
	}

	readable, err := m.artifacts.Readable(e.OutputPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", e.OutputPath, err)
	}
	if !readable {
		return mismatch("readable", "true", "false")
	}

	if rc, ok := m.artifacts.(RowCounter); ok {
		rows, err := rc.RowCount(e.OutputPath)
		if err != nil {
			return fmt.Errorf("counting rows of %s: %w", e.OutputPath, err)
		}
		if rows >= 0 && rows != e.RecordCount {
			return mismatch("record_count", strconv.FormatInt(e.RecordCount, 10), strconv.FormatInt(rows, 10))
		}
	}

	if !m.skipChecksum && e.Checksum != "" {
		sum, err := m.artifacts.Checksum(e.OutputPath)
		if err != nil {
			return fmt.Errorf("checksumming %s: %w", e.OutputPath, err)
		}
		if sum != e.Checksum {
			return mismatch("checksum", e.Checksum, sum)
		}
	}
	return nil
}

// withinTolerance compares sizes; tolerance is a fraction of expected
// (0 means exact).
func withinTolerance(actual, expected int64, tolerance float64) bool {
	if tolerance <= 0 {
		return actual == expected
	}
	diff := math.Abs(float64(actual - expected))
	return diff <= float64(expected)*tolerance
}

// describeArtifact fills missing size and checksum for a successful outcome
// so later runs have something to verify against. Failures are logged and
// leave the fields empty.
func (m *Manager) describeArtifact(tableKey string, out *Outcome) {
	if out.OutputPath == "" {
		return
	}
	if out.FileSizeBytes == 0 {
		size, err := m.artifacts.Size(out.OutputPath)
		if err != nil {
			logging.Warn("Could not size output of %s: %v", tableKey, err)
		} else {
			out.FileSizeBytes = size
		}
	}
	if out.Checksum == "" && !m.skipChecksum {
		sum, err := m.artifacts.Checksum(out.OutputPath)
		if err != nil {
			logging.Warn("Could not checksum output of %s: %v", tableKey, err)
		} else {
			out.Checksum = sum
		}
	}
}
