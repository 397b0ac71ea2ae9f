package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "pipeline_"
	fileSuffix = ".json"

	// DefaultLockTimeout bounds the wait for the advisory lock.
	DefaultLockTimeout = 5 * time.Second
)

// FileStore implements Store with one JSON document per run in a directory.
// Writes go to a temp file in the same directory and are renamed into place,
// so a reader sees either the previous or the new document, never a mix.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	mu          sync.Mutex
}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string, lockTimeout time.Duration) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &PersistenceIOError{Op: "creating", Path: dir, Err: err}
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &FileStore{dir: dir, lockTimeout: lockTimeout}, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the document path for a run.
func (s *FileStore) Path(runID string) string {
	return filepath.Join(s.dir, filePrefix+runID+fileSuffix)
}

// ValidateRunID rejects IDs that cannot be used as a file name component.
func ValidateRunID(runID string) error {
	if runID == "" {
		return errors.New("run_id is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run_id %q: must not contain path separators", runID)
	}
	return nil
}

// Save atomically replaces the document for doc.Pipeline.RunID.
func (s *FileStore) Save(doc *Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	runID := doc.Pipeline.RunID
	if err := ValidateRunID(runID); err != nil {
		return err
	}

	out := *doc
	if out.Metadata.Version == "" {
		out.Metadata.Version = SchemaVersion
	}
	if out.Metadata.SavedAt.IsZero() {
		out.Metadata.SavedAt = time.Now()
	}
	if out.Extractions == nil {
		out.Extractions = map[string]ExtractionState{}
	}

	path := s.Path(runID)
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return &PersistenceIOError{Op: "encoding", Path: path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(path+".lock", s.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	return writeAtomic(path, data)
}

// Load reads and validates the document for runID.
func (s *FileStore) Load(runID string) (*Document, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	path := s.Path(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, &PersistenceIOError{Op: "reading", Path: path, Err: err}
	}
	return decodeDocument(path, data)
}

// decodeDocument parses and validates a state file body.
func decodeDocument(path string, data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &StateCorruptionError{Path: path, Reason: "empty file"}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &StateCorruptionError{Path: path, Reason: "invalid JSON", Err: err}
	}

	switch {
	case doc.Metadata.Version == "":
		return nil, &StateCorruptionError{Path: path, Reason: "missing schema version"}
	case !compatibleVersion(doc.Metadata.Version):
		return nil, &StateCorruptionError{Path: path, Reason: fmt.Sprintf("unsupported schema version %q", doc.Metadata.Version)}
	case doc.Pipeline.RunID == "":
		return nil, &StateCorruptionError{Path: path, Reason: "missing pipeline run_id"}
	case !doc.Pipeline.Status.valid():
		return nil, &StateCorruptionError{Path: path, Reason: fmt.Sprintf("unknown pipeline status %q", doc.Pipeline.Status)}
	}

	if doc.Extractions == nil {
		doc.Extractions = make(map[string]ExtractionState)
	}
	for key, e := range doc.Extractions {
		if !e.Status.valid() {
			return nil, &StateCorruptionError{Path: path, Reason: fmt.Sprintf("table %s has unknown status %q", key, e.Status)}
		}
		if e.TableKey == "" {
			e.TableKey = key
			doc.Extractions[key] = e
		}
	}
	return &doc, nil
}

// List returns up to limit documents, most recently written first.
// Files that fail to decode are listed with Corrupt set.
func (s *FileStore) List(limit int) ([]Summary, error) {
	entries, err := s.stateFiles()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		sum := Summary{RunID: e.runID, Path: e.path, SavedAt: e.modTime}
		data, err := os.ReadFile(e.path)
		if err != nil {
			sum.Corrupt = err.Error()
			summaries = append(summaries, sum)
			continue
		}
		doc, err := decodeDocument(e.path, data)
		if err != nil {
			sum.Corrupt = err.Error()
			summaries = append(summaries, sum)
			continue
		}
		p := doc.Pipeline
		sum.Status = p.Status
		sum.ExtractionDate = p.ExtractionDate
		sum.StartTime = p.StartTime
		sum.EndTime = p.EndTime
		sum.TotalTables = p.TotalTables
		sum.CompletedTables = p.CompletedTables
		sum.FailedTables = p.FailedTables
		sum.RestartCount = p.RestartCount
		if !doc.Metadata.SavedAt.IsZero() {
			sum.SavedAt = doc.Metadata.SavedAt
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

// Delete removes the document and its lock file.
func (s *FileStore) Delete(runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(runID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return &PersistenceIOError{Op: "removing", Path: path, Err: err}
	}
	os.Remove(path + ".lock")
	return nil
}

// Cleanup removes documents of finished runs last written before cutoff.
// Running and undecodable documents are kept. Returns the number removed.
func (s *FileStore) Cleanup(cutoff time.Time) (int, error) {
	entries, err := s.stateFiles()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.modTime.Before(cutoff) {
			continue
		}
		data, err := os.ReadFile(e.path)
		if err != nil {
			continue
		}
		doc, err := decodeDocument(e.path, data)
		if err != nil || !doc.Pipeline.Status.IsTerminal() {
			continue
		}
		if err := s.Delete(e.runID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op for file state.
func (s *FileStore) Close() error {
	return nil
}

type stateFile struct {
	runID   string
	path    string
	modTime time.Time
}

func (s *FileStore) stateFiles() ([]stateFile, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &PersistenceIOError{Op: "listing", Path: s.dir, Err: err}
	}

	var files []stateFile
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, stateFile{
			runID:   strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix),
			path:    filepath.Join(s.dir, name),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].runID > files[j].runID
		}
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

// writeAtomic writes data to a temp file beside path, syncs it and renames
// it over path. The temp file is removed on any failure.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &PersistenceIOError{Op: "creating temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceIOError{Op: op, Path: path, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("writing", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceIOError{Op: "closing", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &PersistenceIOError{Op: "renaming", Path: path, Err: err}
	}

	// Directory fsync makes the rename durable; not supported everywhere.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
