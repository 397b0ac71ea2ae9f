package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/pipeline-state/internal/exitcodes"
	"github.com/johndauphine/pipeline-state/internal/tui"
)

var version = "dev"

func main() {
	runIDFlag := &cli.StringFlag{
		Name:    "run-id",
		Aliases: []string{"r"},
		Usage:   "Pipeline run ID (default: most recent run)",
	}

	app := &cli.App{
		Name:    "pipeline-state",
		Usage:   "Idempotent, resumable extraction pipeline runner",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "Directory for state files (overrides state.dir)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: text or json (overrides logging.format)",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log verbosity level: debug, info, warn, error (overrides logging.level)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start or resume a pipeline run",
				Action: runPipeline,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run-id",
						Usage: "Run ID to start or resume (default: current time, 20060102_150405)",
					},
					&cli.StringFlag{
						Name:  "date",
						Usage: "Extraction date, YYYY-MM-DD (default: yesterday, UTC)",
					},
					&cli.BoolFlag{
						Name:  "force-reprocess",
						Usage: "Re-extract every table even if its output verifies",
					},
					&cli.StringSliceFlag{
						Name:  "table",
						Usage: "Only run these table keys (repeatable)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel extractions (overrides extraction.workers)",
					},
					&cli.BoolFlag{
						Name:  "progress-json",
						Usage: "Write JSON progress lines to stdout instead of a progress bar",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the progress of a run",
				Action: showStatus,
				Flags: []cli.Flag{
					runIDFlag,
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
					&cli.BoolFlag{
						Name:  "tables",
						Usage: "List every table",
					},
				},
			},
			{
				Name:   "report",
				Usage:  "Create the extraction report of a run",
				Action: showReport,
				Flags: []cli.Flag{
					runIDFlag,
					&cli.StringFlag{
						Name:  "format",
						Value: "text",
						Usage: "Output format: text, json or yaml",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write the report to a file instead of stdout",
					},
				},
			},
			{
				Name:   "validate-window",
				Usage:  "Check every table was extracted for the run's window",
				Action: validateWindow,
				Flags:  []cli.Flag{runIDFlag},
			},
			{
				Name:   "reset-failed",
				Usage:  "Move failed tables back to pending",
				Action: resetFailed,
				Flags:  []cli.Flag{runIDFlag},
			},
			{
				Name:   "force-reprocess",
				Usage:  "Mark tables for re-extraction on the next run",
				Action: forceReprocess,
				Flags: []cli.Flag{
					runIDFlag,
					&cli.StringSliceFlag{
						Name:     "table",
						Aliases:  []string{"t"},
						Required: true,
						Usage:    "Table key to reprocess (repeatable)",
					},
				},
			},
			{
				Name:   "list",
				Usage:  "List state files, most recent first",
				Action: listRuns,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum number of runs",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "Show the run index, or the outcomes of one table across runs",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum number of rows",
					},
					&cli.StringFlag{
						Name:  "table",
						Usage: "Show outcomes for this table key",
					},
				},
			},
			{
				Name:   "cleanup",
				Usage:  "Delete finished runs older than the retention period",
				Action: cleanup,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: "Retention in days (overrides state.retention_days)",
					},
				},
			},
			{
				Name:   "watch",
				Usage:  "Watch a run's progress live",
				Action: watch,
				Flags: []cli.Flag{
					runIDFlag,
					&cli.DurationFlag{
						Name:  "interval",
						Value: tui.DefaultRefresh,
						Usage: "Refresh interval",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, exitcodes.Description(code))
		os.Exit(code)
	}
}
