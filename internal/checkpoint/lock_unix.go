//go:build unix

package checkpoint

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const lockRetryInterval = 20 * time.Millisecond

// lockFile takes an exclusive advisory flock on path, retrying until timeout.
func lockFile(path string, timeout time.Duration) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, &PersistenceIOError{Op: "locking", Path: path, Err: err}
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, &PersistenceIOError{Op: "locking", Path: path, Err: err}
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, &PersistenceIOError{Op: "locking", Path: path, Err: ErrLockTimeout}
		}
		time.Sleep(lockRetryInterval)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
