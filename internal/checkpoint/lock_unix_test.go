//go:build unix

package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLockFile_TimesOutWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")
	unlock, err := lockFile(path, time.Second)
	if err != nil {
		t.Fatalf("lockFile: %v", err)
	}
	defer unlock()

	start := time.Now()
	_, err = lockFile(path, 100*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second lockFile = %v, want ErrLockTimeout", err)
	}
	var ioErr *PersistenceIOError
	if !errors.As(err, &ioErr) || ioErr.Op != "locking" {
		t.Errorf("err = %#v, want PersistenceIOError from locking", err)
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Errorf("gave up after %s, before the timeout", waited)
	}
}

func TestLockFile_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")
	unlock, err := lockFile(path, time.Second)
	if err != nil {
		t.Fatalf("lockFile: %v", err)
	}
	released := make(chan struct{})
	go func() {
		time.Sleep(60 * time.Millisecond)
		unlock()
		close(released)
	}()

	start := time.Now()
	unlock2, err := lockFile(path, 5*time.Second)
	if err != nil {
		t.Fatalf("lockFile after release: %v", err)
	}
	unlock2()
	<-released
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Errorf("acquired after %s while the lock was still held", waited)
	}
}

func TestFileStore_SaveTimesOutOnHeldLock(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	doc := sampleDocument("locked")
	unlock, err := lockFile(store.Path("locked")+".lock", time.Second)
	if err != nil {
		t.Fatalf("lockFile: %v", err)
	}

	err = store.Save(doc)
	var ioErr *PersistenceIOError
	if !errors.As(err, &ioErr) || !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Save under held lock = %v, want PersistenceIOError wrapping ErrLockTimeout", err)
	}
	if _, err := store.Load("locked"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after timed out Save = %v, want ErrNotFound", err)
	}

	unlock()
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save after release: %v", err)
	}
}
