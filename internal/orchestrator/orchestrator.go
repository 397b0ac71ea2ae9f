package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/pipeline-state/internal/artifact"
	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/config"
	"github.com/johndauphine/pipeline-state/internal/logging"
	"github.com/johndauphine/pipeline-state/internal/notify"
	"github.com/johndauphine/pipeline-state/internal/progress"
	"github.com/johndauphine/pipeline-state/internal/state"
)

// Options configures an Orchestrator. Nil collaborators are disabled.
type Options struct {
	Workers        int
	MaxAttempts    int // 0 retries failed tables forever
	OutputBasePath string
	Notifier       notify.Provider
	History        *checkpoint.History
	Reporter       progress.Reporter
	Tracker        *progress.Tracker
}

// Orchestrator runs the tables of a pipeline through the state engine:
// gate, start, extract, record.
type Orchestrator struct {
	mgr   *state.Manager
	store *checkpoint.FileStore
	exec  Executor
	opts  Options
}

// RunRequest identifies the run to execute.
type RunRequest struct {
	RunID          string
	ExtractionDate time.Time
	Tables         []config.TableSpec
	ForceReprocess bool
}

// RunResult summarizes what happened to each table during one Run.
type RunResult struct {
	Pipeline    checkpoint.PipelineState
	Extracted   []string // extracted successfully this run
	Verified    []string // completed earlier, output verified, not re-run
	Failed      []string
	Skipped     []string
	Interrupted []string // left running by cancellation
	Records     int64

	errs []error
}

// Err joins the per-table failures.
func (r *RunResult) Err() error {
	return errors.Join(r.errs...)
}

// New creates an orchestrator over an attached manager.
func New(mgr *state.Manager, store *checkpoint.FileStore, exec Executor, opts Options) (*Orchestrator, error) {
	if mgr == nil || store == nil {
		return nil, errors.New("state manager and store are required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Reporter == nil {
		opts.Reporter = &progress.NullReporter{}
	}
	if opts.Tracker == nil {
		opts.Tracker = progress.NewWithWriter(nil)
	}
	return &Orchestrator{mgr: mgr, store: store, exec: exec, opts: opts}, nil
}

// Run starts or resumes req.RunID and extracts every table that needs it.
// Table failures are isolated and reported through the result. A cancelled
// ctx leaves unfinished tables for the next run to resume; the pipeline is
// not finished in that case.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	startTime := time.Now()
	result := &RunResult{}

	keys := make([]string, len(req.Tables))
	specs := make(map[string]config.TableSpec, len(req.Tables))
	for i, t := range req.Tables {
		keys[i] = t.Key()
		specs[keys[i]] = t
	}

	pipeline, err := o.mgr.StartPipeline(req.RunID, req.ExtractionDate, keys)
	if err != nil {
		o.notifyFailure(req.RunID, err, time.Since(startTime))
		return result, fmt.Errorf("starting pipeline: %w", err)
	}
	result.Pipeline = pipeline
	windowStart, windowEnd, err := o.mgr.ExtractionWindow()
	if err != nil {
		return result, err
	}

	if pipeline.RestartCount > 0 {
		logging.Info("Resuming pipeline %s (restart %d): %d of %d tables already completed",
			pipeline.RunID, pipeline.RestartCount, pipeline.CompletedTables, pipeline.TotalTables)
	}
	if o.opts.Notifier != nil {
		if err := o.opts.Notifier.PipelineStarted(pipeline.RunID, pipeline.ExtractionDate.Format("2006-01-02"), pipeline.TotalTables, pipeline.RestartCount); err != nil {
			logging.Warn("Slack notification failed: %v", err)
		}
	}
	o.report(true, "starting")
	o.opts.Tracker.SetTotal(len(keys))

	var mu sync.Mutex
	collect := func(fn func(r *RunResult)) {
		mu.Lock()
		fn(result)
		mu.Unlock()
	}

	slots := make(chan int, o.opts.Workers)
	for i := 1; i <= o.opts.Workers; i++ {
		slots <- i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		spec := specs[key]
		g.Go(func() error {
			slot := <-slots
			defer func() { slots <- slot }()
			return o.processTable(gctx, fmt.Sprintf("worker-%d", slot), req, spec, windowStart, windowEnd, collect)
		})
	}
	groupErr := g.Wait()

	sort.Strings(result.Interrupted)
	switch {
	case groupErr != nil && !errors.Is(groupErr, context.Canceled):
		if err := o.mgr.Checkpoint(); err != nil {
			logging.Error("Checkpoint after failure: %v", err)
		}
		o.notifyFailure(req.RunID, groupErr, time.Since(startTime))
		return result, groupErr
	case ctx.Err() != nil:
		if err := o.mgr.Checkpoint(); err != nil {
			logging.Error("Checkpoint after interrupt: %v", err)
		}
		logging.Warn("Pipeline %s interrupted; %d table(s) will resume on the next run",
			req.RunID, len(o.mgr.PendingExtractions())+len(result.Interrupted))
		return result, ctx.Err()
	}

	o.opts.Tracker.Finish()
	pipeline, err = o.mgr.FinishPipeline()
	result.Pipeline = pipeline
	if err != nil {
		o.notifyFailure(req.RunID, err, time.Since(startTime))
		return result, fmt.Errorf("finishing pipeline: %w", err)
	}
	o.report(true, "finished")
	o.recordHistory(req.RunID)
	o.notifyFinished(result)

	return result, result.Err()
}

// processTable runs one table through the gate and, when needed, the
// executor. Only errors that make further progress impossible are
// returned; table failures go into the result.
func (o *Orchestrator) processTable(ctx context.Context, worker string, req RunRequest, spec config.TableSpec,
	windowStart, windowEnd time.Time, collect func(func(*RunResult))) error {
	key := spec.Key()

	needed, err := o.mgr.IsExtractionNeeded(key, req.ForceReprocess)
	if err != nil {
		return err
	}
	prior, _ := o.mgr.Extraction(key)
	if !needed {
		collect(func(r *RunResult) {
			r.Verified = append(r.Verified, key)
			r.Records += prior.RecordCount
		})
		o.opts.Tracker.EndTable(key, prior.RecordCount, false)
		return nil
	}

	switch prior.Status {
	case checkpoint.ExtractionSkipped:
		if !req.ForceReprocess {
			collect(func(r *RunResult) { r.Skipped = append(r.Skipped, key) })
			o.opts.Tracker.EndTable(key, 0, false)
			return nil
		}
		fallthrough
	case checkpoint.ExtractionCompleted:
		// Forced, or the recorded output no longer verifies.
		if err := o.mgr.ForceReprocessTable(key); err != nil {
			return o.tableError(key, err, collect)
		}
		prior.AttemptCount = 0
	case checkpoint.ExtractionFailed:
		if o.opts.MaxAttempts > 0 && prior.AttemptCount >= o.opts.MaxAttempts {
			reason := fmt.Sprintf("gave up after %d attempts: %s", prior.AttemptCount, prior.ErrorMessage)
			if err := o.mgr.SkipExtraction(key, reason); err != nil {
				return o.tableError(key, err, collect)
			}
			collect(func(r *RunResult) { r.Skipped = append(r.Skipped, key) })
			o.opts.Tracker.EndTable(key, 0, true)
			return nil
		}
	}

	if err := o.mgr.StartExtractionOn(worker, key, windowStart, windowEnd); err != nil {
		return o.tableError(key, err, collect)
	}
	o.opts.Tracker.StartTable(key)
	o.report(false, "extracting")

	task := Task{
		RunID:       req.RunID,
		Key:         key,
		Table:       spec,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		OutputPath:  artifact.OutputPath(o.opts.OutputBasePath, spec.SourceName, spec.TableName, windowStart, req.RunID),
		Attempt:     prior.AttemptCount + 1,
	}
	res, execErr := o.exec.Extract(ctx, task)
	if ctx.Err() != nil {
		// Left running; the next StartPipeline resets it to pending.
		collect(func(r *RunResult) { r.Interrupted = append(r.Interrupted, key) })
		return nil
	}

	out := state.Outcome{Success: execErr == nil}
	if execErr == nil {
		out.RecordCount = res.RecordCount
		out.OutputPath = res.OutputPath
		out.FileSizeBytes = res.FileSizeBytes
		out.Checksum = res.Checksum
	} else {
		out.ErrorMessage = execErr.Error()
	}
	if err := o.mgr.CompleteExtraction(key, out); err != nil {
		return o.tableError(key, err, collect)
	}

	if execErr != nil {
		collect(func(r *RunResult) {
			r.Failed = append(r.Failed, key)
			r.errs = append(r.errs, fmt.Errorf("table %s: %w", key, execErr))
		})
		if o.opts.Notifier != nil {
			if err := o.opts.Notifier.TableExtractionFailed(req.RunID, key, execErr); err != nil {
				logging.Warn("Slack notification failed: %v", err)
			}
		}
		o.opts.Tracker.EndTable(key, 0, true)
	} else {
		collect(func(r *RunResult) {
			r.Extracted = append(r.Extracted, key)
			r.Records += res.RecordCount
		})
		o.opts.Tracker.EndTable(key, res.RecordCount, false)
	}
	o.report(true, "extracting")
	return nil
}

// tableError decides whether a state engine error stops the run. Persistence
// failures do; anything else is confined to the table.
func (o *Orchestrator) tableError(key string, err error, collect func(func(*RunResult))) error {
	var ioErr *checkpoint.PersistenceIOError
	if errors.As(err, &ioErr) || errors.Is(err, state.ErrNoActivePipeline) {
		return fmt.Errorf("table %s: %w", key, err)
	}
	collect(func(r *RunResult) {
		r.Failed = append(r.Failed, key)
		r.errs = append(r.errs, fmt.Errorf("table %s: %w", key, err))
	})
	o.opts.Tracker.EndTable(key, 0, true)
	return nil
}

func (o *Orchestrator) report(immediate bool, phase string) {
	p, err := o.mgr.PipelineProgress()
	if err != nil {
		return
	}
	update := progress.FromProgress(phase, p)
	update.ErrorCount = len(o.mgr.EngineErrors())
	if summary, err := o.mgr.ExtractionSummary(); err == nil {
		update.RecordsExtracted = summary.TotalRecords
		update.CurrentTables = summary.Running
	}
	if immediate {
		o.opts.Reporter.ReportImmediate(update)
	} else {
		o.opts.Reporter.Report(update)
	}
}

func (o *Orchestrator) recordHistory(runID string) {
	if o.opts.History == nil {
		return
	}
	doc, err := o.mgr.Snapshot()
	if err != nil {
		return
	}
	if err := o.opts.History.RecordRun(doc, o.store.Path(runID)); err != nil {
		logging.Warn("Recording run history failed: %v", err)
	}
}

func (o *Orchestrator) notifyFailure(runID string, err error, duration time.Duration) {
	if o.opts.Notifier == nil {
		return
	}
	if nerr := o.opts.Notifier.PipelineFailed(runID, err, duration); nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}
}

func (o *Orchestrator) notifyFinished(result *RunResult) {
	if o.opts.Notifier == nil {
		return
	}
	p, err := o.mgr.PipelineProgress()
	if err != nil {
		return
	}
	summary, err := o.mgr.ExtractionSummary()
	if err != nil {
		return
	}

	if p.Status == checkpoint.PipelineCompleted {
		err = o.opts.Notifier.PipelineCompleted(p, summary.TotalRecords)
	} else {
		var failures []string
		for _, t := range summary.Failed {
			failures = append(failures, t.TableKey)
		}
		for _, t := range summary.Skipped {
			failures = append(failures, t.TableKey)
		}
		err = o.opts.Notifier.PipelineCompletedWithErrors(p, summary.TotalRecords, failures)
	}
	if err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}
