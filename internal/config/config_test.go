package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
state:
  dir: /var/lib/pipeline-state
extraction:
  tables:
    - source_name: crm
      schema_name: dbo
      table_name: Orders
    - source_name: crm
      table_name: Users
`

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if cfg.State.CheckpointInterval != 30*time.Second {
		t.Errorf("checkpoint_interval = %v, want 30s", cfg.State.CheckpointInterval)
	}
	if cfg.State.LockTimeout != 5*time.Second {
		t.Errorf("lock_timeout = %v, want 5s", cfg.State.LockTimeout)
	}
	if want := filepath.Join("/var/lib/pipeline-state", "history.db"); cfg.State.HistoryDB != want {
		t.Errorf("history_db = %s, want %s", cfg.State.HistoryDB, want)
	}
	if cfg.State.RetentionDays != 30 {
		t.Errorf("retention_days = %d, want 30", cfg.State.RetentionDays)
	}
	if !cfg.ChecksumEnabled() {
		t.Error("checksum verification should default to enabled")
	}
	if cfg.Report.RestartWarningThreshold != 3 || cfg.Report.AttemptWarningThreshold != 3 {
		t.Errorf("thresholds = %+v, want 3/3", cfg.Report)
	}
	if cfg.Extraction.Workers < 2 || cfg.Extraction.Workers > 32 {
		t.Errorf("workers = %d, want within [2, 32]", cfg.Extraction.Workers)
	}
	if cfg.Extraction.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", cfg.Extraction.MaxAttempts)
	}
	if want := filepath.Join("/var/lib/pipeline-state", "output"); cfg.Extraction.OutputBasePath != want {
		t.Errorf("output_base_path = %s, want %s", cfg.Extraction.OutputBasePath, want)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Address != ":9090" {
		t.Errorf("metrics.address = %s", cfg.Metrics.Address)
	}

	keys := cfg.TableKeys()
	if len(keys) != 2 || keys[0] != "crm.dbo.Orders" || keys[1] != "crm.Users" {
		t.Errorf("TableKeys = %v", keys)
	}
}

func TestLoadBytesOverrides(t *testing.T) {
	yaml := `
state:
  dir: /tmp/state
  checkpoint_interval: 2m
  lock_timeout: 500ms
  retention_days: 7
idempotency:
  verify_checksum: false
  size_tolerance: 0.05
report:
  restart_warning_threshold: 5
extraction:
  workers: 4
  max_attempts: 1
  command: ./extract.sh
logging:
  level: debug
  format: json
`
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.State.CheckpointInterval != 2*time.Minute {
		t.Errorf("checkpoint_interval = %v", cfg.State.CheckpointInterval)
	}
	if cfg.State.LockTimeout != 500*time.Millisecond {
		t.Errorf("lock_timeout = %v", cfg.State.LockTimeout)
	}
	if cfg.ChecksumEnabled() {
		t.Error("verify_checksum: false was ignored")
	}
	if cfg.Idempotency.SizeTolerance != 0.05 {
		t.Errorf("size_tolerance = %g", cfg.Idempotency.SizeTolerance)
	}
	if cfg.Report.RestartWarningThreshold != 5 || cfg.Report.AttemptWarningThreshold != 3 {
		t.Errorf("thresholds = %+v", cfg.Report)
	}
	if cfg.Extraction.Workers != 4 || cfg.Extraction.MaxAttempts != 1 {
		t.Errorf("extraction = %+v", cfg.Extraction)
	}
	if cfg.Extraction.Command != "./extract.sh" {
		t.Errorf("command = %q", cfg.Extraction.Command)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing source name",
			yaml: `
extraction:
  tables:
    - table_name: Orders
`,
			wantErr: "extraction.tables[0].source_name is required",
		},
		{
			name: "missing table name",
			yaml: `
extraction:
  tables:
    - source_name: crm
`,
			wantErr: "extraction.tables[0].table_name is required",
		},
		{
			name: "duplicate table",
			yaml: `
extraction:
  tables:
    - {source_name: crm, schema_name: dbo, table_name: Orders}
    - {source_name: crm, schema_name: dbo, table_name: Orders}
`,
			wantErr: "duplicate table crm.dbo.Orders",
		},
		{
			name: "size tolerance out of range",
			yaml: `
idempotency:
  size_tolerance: 1.5
`,
			wantErr: "size_tolerance",
		},
		{
			name: "negative interval",
			yaml: `
state:
  checkpoint_interval: -1s
`,
			wantErr: "checkpoint_interval",
		},
		{
			name: "bad log format",
			yaml: `
logging:
  format: xml
`,
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("error %q not wrapped as invalid config", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBytesParseError(t *testing.T) {
	_, err := LoadBytes([]byte("state: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestExpandTemplateValue(t *testing.T) {
	// Create a temp file with a secret
	tmpDir := t.TempDir()
	secretFile := filepath.Join(tmpDir, "secret.txt")
	if err := os.WriteFile(secretFile, []byte("  https://hooks.slack.com/services/T0/B0/xyz  \n"), 0600); err != nil {
		t.Fatalf("failed to create secret file: %v", err)
	}

	t.Setenv("TEST_SECRET_VAR", "env-secret-value")

	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{
			name:     "cleartext value",
			input:    "plain-value",
			expected: "plain-value",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "file template",
			input:    "${file:" + secretFile + "}",
			expected: "https://hooks.slack.com/services/T0/B0/xyz", // Whitespace trimmed
		},
		{
			name:     "env template",
			input:    "${env:TEST_SECRET_VAR}",
			expected: "env-secret-value",
		},
		{
			name:     "env template missing var",
			input:    "${env:NONEXISTENT_VAR_12345}",
			expected: "",
		},
		{
			name:      "file template missing file",
			input:     "${file:/nonexistent/path/to/secret}",
			expectErr: true,
		},
		{
			name:     "not a template - dollar sign without braces",
			input:    "$file:/path",
			expected: "$file:/path",
		},
		{
			name:     "not a template - partial pattern",
			input:    "${file:}",
			expected: "${file:}",
		},
		{
			name:     "legacy env var syntax expands",
			input:    "${TEST_SECRET_VAR}",
			expected: "env-secret-value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := expandTemplateValue(tt.input)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestLoadBytesWithSecretTemplates(t *testing.T) {
	tmpDir := t.TempDir()
	hookFile := filepath.Join(tmpDir, "webhook")
	if err := os.WriteFile(hookFile, []byte("https://hooks.example/file$NOT_EXPANDED"), 0600); err != nil {
		t.Fatalf("failed to create webhook file: %v", err)
	}
	t.Setenv("TEST_STATE_DIR", "/srv/state")
	t.Setenv("TEST_SLACK_CHANNEL", "#etl")

	yaml := `
state:
  dir: ${TEST_STATE_DIR}
slack:
  enabled: true
  webhook_url: ${file:` + hookFile + `}
  channel: ${env:TEST_SLACK_CHANNEL}
`
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.State.Dir != "/srv/state" {
		t.Errorf("state.dir = %s", cfg.State.Dir)
	}
	if cfg.Slack.WebhookURL != "https://hooks.example/file$NOT_EXPANDED" {
		t.Errorf("webhook_url = %s (secret contents must not be re-expanded)", cfg.Slack.WebhookURL)
	}
	if cfg.Slack.Channel != "#etl" {
		t.Errorf("channel = %s", cfg.Slack.Channel)
	}

	_, err = LoadBytes([]byte("slack:\n  webhook_url: ${file:/nonexistent/secret}\n"))
	if err == nil {
		t.Error("missing secret file should error")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"~", home},
		{"~/state", filepath.Join(home, "state")},
		{"/abs/path", "/abs/path"},
		{"rel/~/path", "rel/~/path"},
	}
	for _, tt := range tests {
		if got := expandTilde(tt.in); got != tt.want {
			t.Errorf("expandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitized(t *testing.T) {
	cfg := Default()
	cfg.Slack.WebhookURL = "https://hooks.slack.com/services/secret"

	s := cfg.Sanitized()
	if s.Slack.WebhookURL != "[REDACTED]" {
		t.Errorf("webhook not redacted: %s", s.Slack.WebhookURL)
	}
	if cfg.Slack.WebhookURL == "[REDACTED]" {
		t.Error("Sanitized modified the original config")
	}
}

func TestTableSpecKey(t *testing.T) {
	tests := []struct {
		spec TableSpec
		want string
	}{
		{TableSpec{SourceName: "crm", SchemaName: "dbo", TableName: "Orders"}, "crm.dbo.Orders"},
		{TableSpec{SourceName: "crm", TableName: "Orders"}, "crm.Orders"},
	}
	for _, tt := range tests {
		if got := tt.spec.Key(); got != tt.want {
			t.Errorf("Key() = %s, want %s", got, tt.want)
		}
	}
}

func TestLoadWithOptionsMissingFile(t *testing.T) {
	_, err := LoadWithOptions(filepath.Join(t.TempDir(), "missing.yaml"), LoadOptions{SuppressWarnings: true})
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("expected read error, got %v", err)
	}
}
