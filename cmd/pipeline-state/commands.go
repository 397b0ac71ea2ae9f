package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/pipeline-state/internal/artifact"
	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/config"
	"github.com/johndauphine/pipeline-state/internal/exitcodes"
	"github.com/johndauphine/pipeline-state/internal/logging"
	"github.com/johndauphine/pipeline-state/internal/metrics"
	"github.com/johndauphine/pipeline-state/internal/notify"
	"github.com/johndauphine/pipeline-state/internal/orchestrator"
	"github.com/johndauphine/pipeline-state/internal/progress"
	"github.com/johndauphine/pipeline-state/internal/state"
	"github.com/johndauphine/pipeline-state/internal/tui"
)

const runIDLayout = "20060102_150405"

func runPipeline(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	tables, err := selectTables(cfg.Extraction.Tables, c.StringSlice("table"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	date, err := parseDate(c.String("date"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	runID := c.String("run-id")
	if runID == "" {
		runID = time.Now().Format(runIDLayout)
	}
	if c.IsSet("workers") {
		cfg.Extraction.Workers = c.Int("workers")
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.Metrics.Enabled)
	if m.IsEnabled() {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Address); err != nil {
				logging.Warn("Metrics server stopped: %v", err)
			}
		}()
		logging.Info("Serving metrics on %s/metrics", cfg.Metrics.Address)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	artifacts := artifact.NewLocalStore()
	mgr, err := newManager(cfg, store, artifacts, m)
	if err != nil {
		return err
	}
	defer mgr.Close()

	history, err := checkpoint.OpenHistory(cfg.State.HistoryDB)
	if err != nil {
		logging.Warn("Run history disabled: %v", err)
		history = nil
	} else {
		defer history.Close()
	}

	opts := orchestrator.Options{
		Workers:        cfg.Extraction.Workers,
		MaxAttempts:    cfg.Extraction.MaxAttempts,
		OutputBasePath: cfg.Extraction.OutputBasePath,
		Notifier:       notify.New(&cfg.Slack),
		History:        history,
	}
	if c.Bool("progress-json") {
		// Logs go to stderr so stdout carries only progress lines.
		logging.SetOutput(os.Stderr)
		reporter := progress.NewJSONReporter(os.Stdout, time.Second)
		defer reporter.Close()
		opts.Reporter = reporter
	} else {
		opts.Tracker = progress.New()
	}

	orch, err := orchestrator.New(mgr, store, orchestrator.NewExecExecutor(cfg.Extraction.Command, artifacts), opts)
	if err != nil {
		return err
	}

	res, runErr := orch.Run(ctx, orchestrator.RunRequest{
		RunID:          runID,
		ExtractionDate: date,
		Tables:         tables,
		ForceReprocess: c.Bool("force-reprocess"),
	})
	if ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "\nInterrupted. Resume with: %s run --run-id %s\n", c.App.Name, runID)
		return runErr
	}
	if runErr != nil && !res.Pipeline.Status.IsTerminal() {
		return runErr
	}

	logging.Info("Run %s %s: %d extracted, %d verified, %d failed, %d skipped, %d records",
		runID, res.Pipeline.Status, len(res.Extracted), len(res.Verified), len(res.Failed), len(res.Skipped), res.Records)
	if runErr != nil {
		return exitcodes.NewExitError(runErr, exitcodes.ExtractionError)
	}
	if len(res.Skipped) > 0 {
		return exitcodes.NewExitError(fmt.Errorf("%d table(s) skipped: %s", len(res.Skipped), strings.Join(res.Skipped, ", ")),
			exitcodes.ExtractionError)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	mgr, _, err := openRun(c, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	p, err := mgr.PipelineProgress()
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(os.Stdout, p)
	}

	orchestrator.WriteStatus(os.Stdout, p)
	if c.Bool("tables") {
		doc, err := mgr.Snapshot()
		if err != nil {
			return err
		}
		fmt.Println()
		orchestrator.WriteTables(os.Stdout, doc)
	}
	return nil
}

func showReport(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	format := strings.ToLower(c.String("format"))
	switch format {
	case "text", "json", "yaml":
	default:
		return exitcodes.NewExitError(fmt.Errorf("unknown report format %q (use text, json or yaml)", format), exitcodes.ConfigError)
	}

	mgr, _, err := openRun(c, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	report, err := mgr.CreateExtractionReport()
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	switch format {
	case "json":
		return writeJSON(out, report)
	case "yaml":
		return writeYAML(out, report)
	default:
		tui.RenderReport(out, report)
		return nil
	}
}

func validateWindow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	mgr, _, err := openRun(c, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	v, err := mgr.ValidateExtractionWindowConsistency()
	if err != nil {
		return err
	}
	orchestrator.WriteWindowValidation(os.Stdout, v)
	if !v.Consistent {
		return exitcodes.NewExitError(fmt.Errorf("%d table(s) extracted for a different window", len(v.Inconsistent)),
			exitcodes.ValidationError)
	}
	return nil
}

func resetFailed(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	mgr, runID, err := openRun(c, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	n, err := mgr.ResetFailedExtractions()
	if err != nil {
		return err
	}
	fmt.Printf("Reset %d failed table(s) in run %s\n", n, runID)
	return nil
}

func forceReprocess(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	mgr, runID, err := openRun(c, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	for _, key := range c.StringSlice("table") {
		if err := mgr.ForceReprocessTable(key); err != nil {
			return err
		}
		fmt.Printf("Table %s in run %s will be re-extracted\n", key, runID)
	}
	return nil
}

func listRuns(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(c.Int("limit"))
	if err != nil {
		return err
	}
	orchestrator.WriteRuns(os.Stdout, runs)
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	history, err := checkpoint.OpenHistory(cfg.State.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()

	if table := c.String("table"); table != "" {
		outcomes, err := history.TableOutcomes(table, c.Int("limit"))
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			fmt.Printf("No recorded outcomes for %s\n", table)
			return nil
		}
		fmt.Printf("%-24s %-11s %8s %12s %s\n", "Run", "Status", "Attempts", "Records", "Output")
		fmt.Println(strings.Repeat("-", 100))
		for _, o := range outcomes {
			fmt.Printf("%-24s %-11s %8d %12d %s\n", o.RunID, o.Status, o.AttemptCount, o.RecordCount, o.OutputPath)
		}
		return nil
	}

	runs, err := history.ListRuns(c.Int("limit"))
	if err != nil {
		return err
	}
	orchestrator.WriteHistory(os.Stdout, runs)
	return nil
}

func cleanup(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	days := cfg.State.RetentionDays
	if c.IsSet("days") {
		days = c.Int("days")
	}
	if days <= 0 {
		return exitcodes.NewExitError(errors.New("retention must be at least one day"), exitcodes.ConfigError)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Cleanup(time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d state file(s) older than %d days\n", removed, days)

	history, err := checkpoint.OpenHistory(cfg.State.HistoryDB)
	if err != nil {
		logging.Warn("Skipping history cleanup: %v", err)
		return nil
	}
	defer history.Close()
	rows, err := history.CleanupOldRuns(days)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d history record(s)\n", rows)
	return nil
}

func watch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runID, err := resolveRunID(c, store)
	if err != nil {
		return err
	}
	return tui.Watch(store, runID, c.Duration("interval"))
}

// loadConfig reads the config file and applies the global flag overrides.
// A missing default config file yields the built-in defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	var cfg *config.Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
		cfg = config.Default()
		path = ""
	} else {
		cfg, err = config.LoadWithOptions(path, config.LoadOptions{SuppressWarnings: true})
		if err != nil {
			return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
		}
	}

	if dir := c.String("state-dir"); dir != "" {
		cfg.State.Dir = dir
		cfg.State.HistoryDB = filepath.Join(dir, "history.db")
	}

	level := cfg.Logging.Level
	if c.IsSet("verbosity") {
		level = c.String("verbosity")
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	logging.SetLevel(lvl)

	format := cfg.Logging.Format
	if c.IsSet("log-format") {
		format = c.String("log-format")
	}
	logging.SetFormat(format)

	for _, w := range cfg.PermissionWarnings(path) {
		logging.Warn("%s", w)
	}

	if logging.IsDebug() {
		if data, err := yaml.Marshal(cfg.Sanitized()); err == nil {
			logging.Debug("Effective configuration:\n%s", data)
		}
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*checkpoint.FileStore, error) {
	return checkpoint.NewFileStore(cfg.State.Dir, cfg.State.LockTimeout)
}

func newManager(cfg *config.Config, store checkpoint.Store, artifacts state.ArtifactStore, rec state.Recorder) (*state.Manager, error) {
	return state.NewManager(store, state.Options{
		Artifacts:          artifacts,
		Recorder:           rec,
		CheckpointInterval: cfg.State.CheckpointInterval,
		SizeTolerance:      cfg.Idempotency.SizeTolerance,
		SkipChecksum:       !cfg.ChecksumEnabled(),
		Thresholds: state.Thresholds{
			Restarts: cfg.Report.RestartWarningThreshold,
			Attempts: cfg.Report.AttemptWarningThreshold,
		},
	})
}

// openRun attaches a manager to an existing run for administrative commands.
func openRun(c *cli.Context, cfg *config.Config) (*state.Manager, string, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, "", err
	}
	runID, err := resolveRunID(c, store)
	if err != nil {
		return nil, "", err
	}
	mgr, err := newManager(cfg, store, artifact.NewLocalStore(), nil)
	if err != nil {
		return nil, "", err
	}
	if _, err := mgr.OpenPipeline(runID); err != nil {
		return nil, "", err
	}
	return mgr, runID, nil
}

// resolveRunID returns --run-id, or the most recently saved readable run.
func resolveRunID(c *cli.Context, store *checkpoint.FileStore) (string, error) {
	if runID := c.String("run-id"); runID != "" {
		return runID, nil
	}
	runs, err := store.List(0)
	if err != nil {
		return "", err
	}
	for _, r := range runs {
		if r.Corrupt == "" {
			return r.RunID, nil
		}
	}
	return "", fmt.Errorf("no pipeline runs in %s: %w", store.Dir(), checkpoint.ErrNotFound)
}

func selectTables(all []config.TableSpec, keys []string) ([]config.TableSpec, error) {
	if len(all) == 0 {
		return nil, errors.New("no tables configured (extraction.tables)")
	}
	if len(keys) == 0 {
		return all, nil
	}
	byKey := make(map[string]config.TableSpec, len(all))
	for _, t := range all {
		byKey[t.Key()] = t
	}
	selected := make([]config.TableSpec, 0, len(keys))
	for _, key := range keys {
		t, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("table %s is not configured", key)
		}
		selected = append(selected, t)
	}
	return selected, nil
}

// parseDate parses YYYY-MM-DD; empty means yesterday in UTC.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		y, m, d := time.Now().UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v through its JSON form so field names match the JSON
// output.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
