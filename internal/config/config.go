package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the extraction state engine
type Config struct {
	State       StateConfig       `yaml:"state"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Report      ReportConfig      `yaml:"report"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Slack       SlackConfig       `yaml:"slack"`
}

// StateConfig controls where and how pipeline state is persisted
type StateConfig struct {
	Dir                string        `yaml:"dir"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"` // intermediate progress flush period
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	HistoryDB          string        `yaml:"history_db"`     // SQLite run index (default: <dir>/history.db)
	RetentionDays      int           `yaml:"retention_days"` // cleanup removes finished runs older than this
}

// IdempotencyConfig tunes artifact verification in the extraction gate
type IdempotencyConfig struct {
	VerifyChecksum *bool   `yaml:"verify_checksum"` // default: true
	SizeTolerance  float64 `yaml:"size_tolerance"`  // fraction of recorded size, 0 = exact
}

// ReportConfig holds recommendation thresholds
type ReportConfig struct {
	RestartWarningThreshold int `yaml:"restart_warning_threshold"`
	AttemptWarningThreshold int `yaml:"attempt_warning_threshold"`
}

// ExtractionConfig describes the tables a run covers and how they are executed
type ExtractionConfig struct {
	Workers        int         `yaml:"workers"`
	MaxAttempts    int         `yaml:"max_attempts"` // failed tables at this many attempts are skipped
	OutputBasePath string      `yaml:"output_base_path"`
	Command        string      `yaml:"command"` // shell command run per table
	Tables         []TableSpec `yaml:"tables"`
}

// TableSpec identifies one table to extract
type TableSpec struct {
	SourceName        string `yaml:"source_name"`
	SchemaName        string `yaml:"schema_name"`
	TableName         string `yaml:"table_name"`
	IncrementalColumn string `yaml:"incremental_column"`
	FullExtract       bool   `yaml:"full_extract"`
}

// Key returns the table key: source.schema.table, omitting an empty schema.
func (t TableSpec) Key() string {
	return checkpoint.TableKey(t.SourceName, t.SchemaName, t.TableName)
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	if !opts.SuppressWarnings {
		for _, w := range cfg.PermissionWarnings(path) {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
		}
	}
	return cfg, nil
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded, err := expandSecrets(string(data))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no tables.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// expandSecrets resolves ${file:/path} and ${env:NAME} templates and plain
// ${NAME} environment references in one pass. Resolved values are not
// expanded again.
func expandSecrets(data string) (string, error) {
	var firstErr error
	out := os.Expand(data, func(name string) string {
		v, err := expandTemplateValue("${" + name + "}")
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// expandTemplateValue resolves a single value. Plain strings are returned
// unchanged; ${VAR} is read from the environment like ${env:VAR}.
func expandTemplateValue(value string) (string, error) {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value, nil
	}
	name := value[2 : len(value)-1]

	switch {
	case strings.HasPrefix(name, "env:"):
		return os.Getenv(strings.TrimPrefix(name, "env:")), nil
	case strings.HasPrefix(name, "file:"):
		path := strings.TrimPrefix(name, "file:")
		if path == "" {
			return value, nil
		}
		raw, err := os.ReadFile(expandTilde(path))
		if err != nil {
			return "", fmt.Errorf("reading secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(raw)), nil
	case validEnvName(name):
		return os.Getenv(name), nil
	default:
		return value, nil
	}
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".pipeline-state")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.State.Dir == "" {
		home, _ := os.UserHomeDir()
		c.State.Dir = filepath.Join(home, ".pipeline-state")
	} else {
		c.State.Dir = expandTilde(c.State.Dir)
	}
	if c.State.CheckpointInterval == 0 {
		c.State.CheckpointInterval = 30 * time.Second
	}
	if c.State.LockTimeout == 0 {
		c.State.LockTimeout = 5 * time.Second
	}
	if c.State.HistoryDB == "" {
		c.State.HistoryDB = filepath.Join(c.State.Dir, "history.db")
	} else {
		c.State.HistoryDB = expandTilde(c.State.HistoryDB)
	}
	if c.State.RetentionDays == 0 {
		c.State.RetentionDays = 30
	}

	if c.Idempotency.VerifyChecksum == nil {
		verify := true
		c.Idempotency.VerifyChecksum = &verify
	}

	if c.Report.RestartWarningThreshold == 0 {
		c.Report.RestartWarningThreshold = 3
	}
	if c.Report.AttemptWarningThreshold == 0 {
		c.Report.AttemptWarningThreshold = 3
	}

	// Auto-detect CPU cores for workers (leave 2 cores for OS overhead)
	if c.Extraction.Workers == 0 {
		c.Extraction.Workers = runtime.NumCPU() - 2
		if c.Extraction.Workers < 2 {
			c.Extraction.Workers = 2
		}
		if c.Extraction.Workers > 32 {
			c.Extraction.Workers = 32
		}
	}
	if c.Extraction.MaxAttempts == 0 {
		c.Extraction.MaxAttempts = 3
	}
	if c.Extraction.OutputBasePath == "" {
		c.Extraction.OutputBasePath = filepath.Join(c.State.Dir, "output")
	} else {
		c.Extraction.OutputBasePath = expandTilde(c.Extraction.OutputBasePath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
}

func (c *Config) validate() error {
	if c.State.CheckpointInterval < 0 {
		return fmt.Errorf("state.checkpoint_interval must not be negative")
	}
	if c.State.LockTimeout < 0 {
		return fmt.Errorf("state.lock_timeout must not be negative")
	}
	if c.State.RetentionDays < 0 {
		return fmt.Errorf("state.retention_days must not be negative")
	}
	if c.Idempotency.SizeTolerance < 0 || c.Idempotency.SizeTolerance >= 1 {
		return fmt.Errorf("idempotency.size_tolerance must be in [0, 1), got %g", c.Idempotency.SizeTolerance)
	}
	if c.Report.RestartWarningThreshold < 0 || c.Report.AttemptWarningThreshold < 0 {
		return fmt.Errorf("report thresholds must not be negative")
	}
	if c.Extraction.MaxAttempts < 0 {
		return fmt.Errorf("extraction.max_attempts must not be negative")
	}

	seen := make(map[string]bool, len(c.Extraction.Tables))
	for i, t := range c.Extraction.Tables {
		if t.SourceName == "" {
			return fmt.Errorf("extraction.tables[%d].source_name is required", i)
		}
		if t.TableName == "" {
			return fmt.Errorf("extraction.tables[%d].table_name is required", i)
		}
		key := t.Key()
		if seen[key] {
			return fmt.Errorf("extraction.tables[%d]: duplicate table %s", i, key)
		}
		seen[key] = true
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}
	return nil
}

// TableKeys returns the keys of the configured tables in order.
func (c *Config) TableKeys() []string {
	keys := make([]string, len(c.Extraction.Tables))
	for i, t := range c.Extraction.Tables {
		keys[i] = t.Key()
	}
	return keys
}

// ChecksumEnabled reports whether artifact checksums are verified.
func (c *Config) ChecksumEnabled() bool {
	return c.Idempotency.VerifyChecksum == nil || *c.Idempotency.VerifyChecksum
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	// Redact Slack webhook
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
