//go:build unix

package config

import (
	"fmt"
	"os"
)

func checkPermissions(chk pathCheck) string {
	info, err := os.Stat(chk.path)
	if err != nil {
		return ""
	}

	mode := info.Mode().Perm()
	forbidden, fix := os.FileMode(0077), "600"
	if chk.writeOnly {
		forbidden, fix = 0022, "go-w"
	}
	if mode&forbidden == 0 {
		return ""
	}
	return fmt.Sprintf("%s '%s' has insecure permissions (%04o). %s Run: chmod %s %s",
		chk.kind, chk.path, mode, chk.risk, fix, chk.path)
}
