//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var broadPrincipals = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
	"users",
}

// checkPermissions inspects the icacls listing for grants to broad groups.
// For writeOnly checks only full, modify and write grants count.
func checkPermissions(chk pathCheck) string {
	if _, err := os.Stat(chk.path); err != nil {
		return ""
	}
	output, err := exec.Command("icacls", chk.path).Output()
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(strings.ToLower(string(output)), "\n") {
		if !grantsBroadAccess(line, chk.writeOnly) {
			continue
		}
		return fmt.Sprintf("%s '%s' may have insecure permissions. %s Run in PowerShell: icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"",
			chk.kind, chk.path, chk.risk, chk.path)
	}
	return ""
}

func grantsBroadAccess(line string, writeOnly bool) bool {
	for _, p := range broadPrincipals {
		if !strings.Contains(line, p) {
			continue
		}
		if !writeOnly {
			return true
		}
		for _, right := range []string{"(f)", "(m)", "(w)"} {
			if strings.Contains(line, right) {
				return true
			}
		}
	}
	return false
}
