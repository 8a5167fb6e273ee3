// Package processor bridges a job record and a registered format importer.
//
// The processor is the only component that understands the pause/cancel
// protocol. It never receives a push interrupt: at every progress checkpoint
// it re-reads the job's status from the store, and a status flipped to
// paused or cancelled unwinds the stream through a typed InterruptedError
// that upstream error handling never mistakes for a crash.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/rollcall/rollcall/pkg/importer"
	"github.com/rollcall/rollcall/pkg/jobstore"
	"github.com/rollcall/rollcall/pkg/runner"
)

// InterruptedError signals that an in-flight run stopped because its job's
// status was externally flipped. It is a deliberate outcome, not a failure.
type InterruptedError struct {
	Status jobstore.Status
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("import interrupted: job is %s", e.Status)
}

// SinkFactory builds the record sink for one job. The returned close
// function is always called when the pass ends.
type SinkFactory func(job *jobstore.Job) (importer.RecordSink, func() error, error)

// RowsObserver receives the number of rows persisted at each checkpoint.
// The worker wires the metrics collector in through this.
type RowsObserver func(delta int64)

// Processor drives a format importer against the job runner.
type Processor struct {
	store       jobstore.Store
	runner      *runner.Runner
	lookup      func(string) (importer.Importer, error)
	sinkFactory SinkFactory
	checkpoint  int
	observeRows RowsObserver
	logger      zerolog.Logger
}

// New builds a Processor with default dependencies: the package-level
// importer registry and a JSONL record sink next to the source file.
func New(store jobstore.Store, run *runner.Runner) *Processor {
	return &Processor{
		store:  store,
		runner: run,
		lookup: importer.Lookup,
		sinkFactory: func(job *jobstore.Job) (importer.RecordSink, func() error, error) {
			path := cast.ToString(job.Data[jobstore.DataKeyFilePath]) + ".records.jsonl"
			sink, err := importer.NewJSONLSink(path)
			if err != nil {
				return nil, nil, err
			}
			return sink, sink.Close, nil
		},
		checkpoint: importer.DefaultCheckpointRows,
		logger:     log.With().Str("component", "processor").Logger(),
	}
}

// WithSinkFactory overrides record sink construction.
func (p *Processor) WithSinkFactory(factory SinkFactory) *Processor {
	p.sinkFactory = factory
	return p
}

// WithLookup overrides importer resolution (useful for tests).
func (p *Processor) WithLookup(lookup func(string) (importer.Importer, error)) *Processor {
	p.lookup = lookup
	return p
}

// WithCheckpointRows overrides the progress checkpoint interval.
func (p *Processor) WithCheckpointRows(rows int) *Processor {
	if rows > 0 {
		p.checkpoint = rows
	}
	return p
}

// WithRowsObserver attaches an observer for persisted row counts.
func (p *Processor) WithRowsObserver(fn RowsObserver) *Processor {
	p.observeRows = fn
	return p
}

// Process runs one import pass for the given job.
//
// A nil return means the dispatch was handled: the job completed, failed
// with the failure recorded on the row, was interrupted on purpose, or was
// a redundant dispatch. A non-nil return means infrastructure trouble (store
// unreachable, shutdown mid-run) and the task should be redelivered.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	// Redundant dispatch: the job already ran, or an admin parked it
	// before we got here.
	if job.Status.IsTerminal() || job.Status == jobstore.StatusPaused {
		p.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).
			Msg("skipping dispatch, job not runnable")
		return nil
	}

	filePath := cast.ToString(job.Data[jobstore.DataKeyFilePath])
	format := cast.ToString(job.Data[jobstore.DataKeyFormat])
	mode := importer.Mode(cast.ToString(job.Data[jobstore.DataKeyImportType]))
	resumeFrom := cast.ToInt64(job.Data[jobstore.DataKeyResumeFrom])
	if mode == "" {
		mode = importer.ModeFull
	}

	imp, err := p.lookup(format)
	if err != nil {
		// Unsupported format is fatal and non-retryable.
		if failErr := p.runner.Fail(ctx, jobID, err.Error()); failErr != nil {
			return failErr
		}
		p.removeSourceFile(jobID, filePath)
		return nil
	}

	if filePath == "" {
		return p.runner.Fail(ctx, jobID, "job data has no file_path")
	}
	fileInfo, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return p.runner.Fail(ctx, jobID, fmt.Sprintf("source file not found: %s", filePath))
	}
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	fileSize := fileInfo.Size()

	if err := p.runner.Start(ctx, jobID); err != nil {
		var notStartable *runner.NotStartableError
		if errors.As(err, &notStartable) {
			// Single-flight: another pass already owns this job.
			p.logger.Debug().Str("job_id", jobID).Str("status", string(notStartable.Status)).
				Msg("skipping dispatch, job already claimed")
			return nil
		}
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	// Stats carried forward across resumed attempts.
	base := jobstore.OutputStats{}
	if job.OutputStats != nil {
		base = *job.OutputStats
	}

	sink, closeSink, err := p.sinkFactory(job)
	if err != nil {
		return p.runner.Fail(ctx, jobID, fmt.Sprintf("open record sink: %v", err))
	}
	defer func() { _ = closeSink() }()

	lastPersisted := resumeFrom
	result, err := imp.Import(ctx, importer.Options{
		FilePath:       filePath,
		Mode:           mode,
		ResumeFrom:     resumeFrom,
		CheckpointRows: p.checkpoint,
		Sink:           sink,
		Progress: func(prog importer.Progress) error {
			return p.onTick(ctx, jobID, base, fileSize, prog, &lastPersisted)
		},
	})

	switch {
	case err == nil:
		return p.finish(ctx, job, base, result, filePath)
	case isInterrupted(err):
		return p.interrupted(ctx, jobID, err, result, filePath)
	case ctx.Err() != nil:
		// Shutdown mid-run: hand the job back so the next boot or the
		// broker redelivery resumes from the checkpoint.
		if reErr := p.store.Transition(context.WithoutCancel(ctx), jobID,
			[]jobstore.Status{jobstore.StatusProcessing}, jobstore.StatusPending); reErr != nil {
			p.logger.Warn().Str("job_id", jobID).Err(reErr).Msg("failed to requeue job on shutdown")
		}
		return err
	default:
		// Job-level exception: the import is abandoned.
		if failErr := p.runner.Fail(ctx, jobID, err.Error()); failErr != nil {
			return failErr
		}
		p.removeSourceFile(jobID, filePath)
		return nil
	}
}

// onTick is the cooperative checkpoint. It re-reads job status, raises the
// interruption when the status was flipped, and otherwise persists progress
// and the resume cursor so a crash loses at most one checkpoint interval.
func (p *Processor) onTick(ctx context.Context, jobID string, base jobstore.OutputStats, fileSize int64, prog importer.Progress, lastPersisted *int64) error {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == jobstore.StatusPaused || job.Status == jobstore.StatusCancelled {
		// Persist the cursor so a later dispatch continues from this row,
		// then unwind. The flipped status itself is left untouched.
		if err := p.store.Update(ctx, jobID, jobstore.JobUpdates{ProcessedItems: &prog.Processed}); err != nil {
			return err
		}
		if err := p.store.MergeData(ctx, jobID, map[string]any{
			jobstore.DataKeyResumeFrom: prog.Processed,
		}); err != nil {
			return err
		}
		return &InterruptedError{Status: job.Status}
	}

	stats := base
	stats.ErrorCount = base.ErrorCount + prog.Errors
	stats.BytesProcessed = prog.BytesProcessed
	stats.FileSize = fileSize
	stats.PercentComplete = runner.PercentFromBytes(prog.BytesProcessed, fileSize)

	if err := p.runner.UpdateProgress(ctx, jobID, prog.Processed, prog.Total, &stats); err != nil {
		return err
	}
	if err := p.store.MergeData(ctx, jobID, map[string]any{
		jobstore.DataKeyResumeFrom: prog.Processed,
	}); err != nil {
		return err
	}

	if p.observeRows != nil && prog.Processed > *lastPersisted {
		p.observeRows(prog.Processed - *lastPersisted)
	}
	*lastPersisted = prog.Processed
	return nil
}

// finish records the terminal completed state and cleans up the source file.
func (p *Processor) finish(ctx context.Context, job *jobstore.Job, base jobstore.OutputStats, result *importer.Result, filePath string) error {
	summary := &jobstore.OutputStats{
		RecordsCreated: base.RecordsCreated + result.Created,
		RecordsUpdated: base.RecordsUpdated + result.Updated,
		RecordsSkipped: base.RecordsSkipped + result.Skipped,
		ErrorCount:     base.ErrorCount + result.Errors,
		BytesProcessed: result.BytesProcessed,
		FileSize:       result.FileSize,
	}

	for _, rowErr := range result.RowErrors {
		entry := jobstore.ErrorEntry{
			Message: fmt.Sprintf("row %d: %s", rowErr.Row, rowErr.Message),
		}
		if err := p.runner.AddError(ctx, job.ID, entry); err != nil {
			return err
		}
	}

	if err := p.runner.Complete(ctx, job.ID, result.Processed, summary); err != nil {
		if jobstore.IsConflict(err) {
			// The status flipped between the last tick and stream end;
			// honor the flip instead of forcing completion.
			p.logger.Info().Str("job_id", job.ID).Msg("job state changed at stream end, leaving as-is")
			return nil
		}
		return err
	}

	p.removeSourceFile(job.ID, filePath)
	p.logger.Info().Str("job_id", job.ID).
		Int64("processed", result.Processed).
		Int64("created", summary.RecordsCreated).
		Int64("updated", summary.RecordsUpdated).
		Int64("errors", summary.ErrorCount).
		Msg("import completed")
	return nil
}

// interrupted handles the deliberate pause/cancel unwind.
func (p *Processor) interrupted(ctx context.Context, jobID string, err error, result *importer.Result, filePath string) error {
	var interrupt *InterruptedError
	_ = errors.As(err, &interrupt)

	if interrupt.Status == jobstore.StatusCancelled {
		// A cancelled job never resumes; its source file goes with it.
		p.removeSourceFile(jobID, filePath)
	}
	processed := int64(0)
	if result != nil {
		processed = result.Processed
	}
	p.logger.Info().Str("job_id", jobID).Str("status", string(interrupt.Status)).
		Int64("processed", processed).Msg("import interrupted")
	return nil
}

func (p *Processor) removeSourceFile(jobID, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn().Str("job_id", jobID).Str("path", path).Err(err).
			Msg("failed to remove source file")
	}
}

func isInterrupted(err error) bool {
	var interrupt *InterruptedError
	return errors.As(err, &interrupt)
}
