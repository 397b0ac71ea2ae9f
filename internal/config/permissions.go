package config

// pathCheck is a path whose access by other users matters.
type pathCheck struct {
	path string
	kind string
	risk string
	// writeOnly limits the check to write access; readers are harmless.
	writeOnly bool
}

// PermissionWarnings lists paths other users can read secrets from or
// tamper with: the config file (webhook secret), the state directory and
// the history database (idempotency decisions are made from them). Paths
// that do not exist yet are not reported.
func (c *Config) PermissionWarnings(configPath string) []string {
	checks := []pathCheck{
		{path: c.State.Dir, kind: "State directory", risk: "Other users may rewrite run state and cause tables to be skipped or re-extracted.", writeOnly: true},
		{path: c.State.HistoryDB, kind: "History database", risk: "Other users may rewrite the run history.", writeOnly: true},
	}
	if configPath != "" {
		checks = append([]pathCheck{{path: configPath, kind: "Config file", risk: "Other users may be able to read secrets such as the Slack webhook."}}, checks...)
	}

	var warnings []string
	for _, chk := range checks {
		if chk.path == "" {
			continue
		}
		if w := checkPermissions(chk); w != "" {
			warnings = append(warnings, w)
		}
	}
	return warnings
}
