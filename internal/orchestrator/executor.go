package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/pipeline-state/internal/config"
	"github.com/johndauphine/pipeline-state/internal/logging"
	"github.com/johndauphine/pipeline-state/internal/state"
)

// Task is one table extraction handed to an Executor.
type Task struct {
	RunID       string
	Key         string
	Table       config.TableSpec
	WindowStart time.Time
	WindowEnd   time.Time
	OutputPath  string
	Attempt     int
}

// Result describes the output an Executor produced. Size and checksum may
// be left empty; the state engine fills them from the artifact.
type Result struct {
	RecordCount   int64
	OutputPath    string
	FileSizeBytes int64
	Checksum      string
}

// Executor performs the data movement for one table.
type Executor interface {
	Extract(ctx context.Context, task Task) (Result, error)
}

// ExecExecutor runs a shell command per table. The task is passed in the
// environment; the command must write its output to $OUTPUT_PATH.
type ExecExecutor struct {
	Command string
	Shell   string
	// Counter supplies the record count from the written artifact. When it
	// cannot, the last line of stdout is parsed as the count.
	Counter state.RowCounter
}

// NewExecExecutor creates an executor for command using /bin/sh.
func NewExecExecutor(command string, counter state.RowCounter) *ExecExecutor {
	return &ExecExecutor{Command: command, Shell: "/bin/sh", Counter: counter}
}

// Extract implements Executor.
func (e *ExecExecutor) Extract(ctx context.Context, task Task) (Result, error) {
	if strings.TrimSpace(e.Command) == "" {
		return Result{}, errors.New("no extraction command configured")
	}
	if err := os.MkdirAll(filepath.Dir(task.OutputPath), 0755); err != nil {
		return Result{}, fmt.Errorf("creating output directory: %w", err)
	}

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", e.Command)
	cmd.Env = append(os.Environ(), taskEnv(task)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("Running extraction command for %s", task.Key)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		if msg != "" {
			return Result{}, fmt.Errorf("%w: %s", err, msg)
		}
		return Result{}, err
	}

	res := Result{OutputPath: task.OutputPath}
	if _, err := os.Stat(task.OutputPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Result{}, err
		}
		// No output is only acceptable for an empty window.
		if n, ok := lastLineCount(stdout.String()); ok && n == 0 {
			res.OutputPath = ""
			return res, nil
		}
		return Result{}, fmt.Errorf("command succeeded but wrote no output to %s", task.OutputPath)
	}

	res.RecordCount = -1
	if e.Counter != nil {
		n, err := e.Counter.RowCount(task.OutputPath)
		if err != nil {
			return Result{}, fmt.Errorf("counting records: %w", err)
		}
		res.RecordCount = n
	}
	if res.RecordCount < 0 {
		n, _ := lastLineCount(stdout.String())
		res.RecordCount = n
	}
	return res, nil
}

func taskEnv(task Task) []string {
	return []string{
		"RUN_ID=" + task.RunID,
		"TABLE_KEY=" + task.Key,
		"SOURCE_NAME=" + task.Table.SourceName,
		"SCHEMA_NAME=" + task.Table.SchemaName,
		"TABLE_NAME=" + task.Table.TableName,
		"INCREMENTAL_COLUMN=" + task.Table.IncrementalColumn,
		"FULL_EXTRACT=" + strconv.FormatBool(task.Table.FullExtract),
		"WINDOW_START=" + task.WindowStart.Format(time.RFC3339),
		"WINDOW_END=" + task.WindowEnd.Format(time.RFC3339),
		"OUTPUT_PATH=" + task.OutputPath,
		"ATTEMPT=" + strconv.Itoa(task.Attempt),
	}
}

// lastLineCount parses the last non-empty stdout line as a record count.
func lastLineCount(out string) (int64, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
