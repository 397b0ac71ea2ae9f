package state

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

var testDate = time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 23, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeFile struct {
	size     int64
	checksum string
	readable bool
}

type fakeArtifacts struct {
	mu    sync.Mutex
	files map[string]fakeFile
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{files: make(map[string]fakeFile)}
}

func (f *fakeArtifacts) put(path string, size int64, checksum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = fakeFile{size: size, checksum: checksum, readable: true}
}

func (f *fakeArtifacts) update(path string, fn func(*fakeFile)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.files[path]
	fn(&file)
	f.files[path] = file
}

func (f *fakeArtifacts) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
}

func (f *fakeArtifacts) get(path string) (fakeFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		return fakeFile{}, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return file, nil
}

func (f *fakeArtifacts) Exists(path string) (bool, error) {
	_, err := f.get(path)
	return err == nil, nil
}

func (f *fakeArtifacts) Size(path string) (int64, error) {
	file, err := f.get(path)
	return file.size, err
}

func (f *fakeArtifacts) Checksum(path string) (string, error) {
	file, err := f.get(path)
	return file.checksum, err
}

func (f *fakeArtifacts) Readable(path string) (bool, error) {
	file, err := f.get(path)
	return file.readable, err
}

type harness struct {
	t         *testing.T
	dir       string
	store     *checkpoint.FileStore
	clock     *fakeClock
	artifacts *fakeArtifacts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return &harness{t: t, dir: dir, store: store, clock: newFakeClock(), artifacts: newFakeArtifacts()}
}

// manager returns a fresh Manager over the same directory, as a new process would.
func (h *harness) manager(opts Options) *Manager {
	h.t.Helper()
	opts.Clock = h.clock
	opts.Artifacts = h.artifacts
	m, err := NewManager(h.store, opts)
	if err != nil {
		h.t.Fatalf("NewManager: %v", err)
	}
	return m
}

func (h *harness) load(runID string) *checkpoint.Document {
	h.t.Helper()
	doc, err := h.store.Load(runID)
	if err != nil {
		h.t.Fatalf("Load(%s): %v", runID, err)
	}
	return doc
}

// extract runs one successful extraction whose artifact exists in the fake store.
func (h *harness) extract(m *Manager, key string, records int64) {
	h.t.Helper()
	start, end := CanonicalWindow(testDate)
	if err := m.StartExtraction(key, start, end); err != nil {
		h.t.Fatalf("StartExtraction(%s): %v", key, err)
	}
	h.clock.Advance(2 * time.Second)
	path := "/out/" + key + ".parquet"
	h.artifacts.put(path, records*10, "sum-"+key)
	if err := m.CompleteExtraction(key, Outcome{Success: true, RecordCount: records, OutputPath: path}); err != nil {
		h.t.Fatalf("CompleteExtraction(%s): %v", key, err)
	}
}

func (h *harness) fail(m *Manager, key, msg string) {
	h.t.Helper()
	start, end := CanonicalWindow(testDate)
	if err := m.StartExtraction(key, start, end); err != nil {
		h.t.Fatalf("StartExtraction(%s): %v", key, err)
	}
	h.clock.Advance(time.Second)
	if err := m.CompleteExtraction(key, Outcome{Success: false, ErrorMessage: msg}); err != nil {
		h.t.Fatalf("CompleteExtraction(%s): %v", key, err)
	}
}
