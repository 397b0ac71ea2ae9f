//go:build !unix

package checkpoint

import "time"

// lockFile is a no-op where flock is unavailable; the in-process mutex and
// atomic rename still apply.
func lockFile(path string, timeout time.Duration) (func(), error) {
	return func() {}, nil
}
