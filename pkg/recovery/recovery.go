// Package recovery repairs job state left behind by an unclean shutdown.
//
// A worker that dies mid-import leaves its job in the processing state
// with no goroutine attached. At boot, before any consumer starts, the
// sweep returns resumable jobs to pending so they are redelivered and
// pick up from their persisted checkpoint, and fails everything else.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollcall/rollcall/pkg/jobstore"
	"github.com/rollcall/rollcall/pkg/metrics"
)

// Result summarizes one recovery sweep.
type Result struct {
	Scanned int
	Resumed []string
	Failed  []string
	Errors  []string
}

// Recoverer sweeps orphaned processing jobs at startup.
type Recoverer struct {
	store     jobstore.Store
	resumable map[string]bool
	collector *metrics.Collector
	logger    zerolog.Logger
}

// New builds a recoverer. resumableTypes lists the job types whose
// handlers can continue from a checkpoint; any other orphaned job is
// failed rather than restarted.
func New(store jobstore.Store, resumableTypes []string, logger zerolog.Logger) *Recoverer {
	resumable := make(map[string]bool, len(resumableTypes))
	for _, t := range resumableTypes {
		resumable[t] = true
	}
	return &Recoverer{
		store:     store,
		resumable: resumable,
		logger:    logger.With().Str("component", "recovery").Logger(),
	}
}

// WithCollector records the sweep duration on the metrics collector.
func (r *Recoverer) WithCollector(c *metrics.Collector) *Recoverer {
	r.collector = c
	return r
}

// Run performs one sweep. It is idempotent: a job already moved out of
// processing by a concurrent actor is skipped, and a clean store is a
// no-op. Run must complete before consumers start so a recovered job is
// not raced by its own replacement.
func (r *Recoverer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	jobs, err := r.store.List(ctx, jobstore.JobFilter{Status: jobstore.StatusProcessing})
	if err != nil {
		return nil, fmt.Errorf("list orphaned jobs: %w", err)
	}

	res := &Result{Scanned: len(jobs)}
	for _, job := range jobs {
		if r.resumable[job.Type] {
			r.resume(ctx, job, res)
		} else {
			r.fail(ctx, job, res)
		}
	}

	elapsed := time.Since(start)
	if r.collector != nil {
		r.collector.SetRecoverySeconds(elapsed.Seconds())
	}
	r.logger.Info().
		Int("scanned", res.Scanned).
		Int("resumed", len(res.Resumed)).
		Int("failed", len(res.Failed)).
		Int("errors", len(res.Errors)).
		Dur("elapsed", elapsed).
		Msg("startup recovery sweep complete")
	return res, nil
}

// resume parks the job back at pending. The progress checkpoint already
// written to the job row is left alone, so the next dispatch continues
// where the dead worker stopped.
func (r *Recoverer) resume(ctx context.Context, job *jobstore.Job, res *Result) {
	err := r.store.Transition(ctx, job.ID,
		[]jobstore.Status{jobstore.StatusProcessing}, jobstore.StatusPending)
	if err != nil {
		if jobstore.IsConflict(err) {
			// Someone else already moved it; nothing to repair.
			return
		}
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", job.ID, err))
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("could not requeue orphaned job")
		return
	}
	res.Resumed = append(res.Resumed, job.ID)
	r.logger.Info().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int64("processed_items", job.ProcessedItems).
		Msg("orphaned job requeued for resume")
}

func (r *Recoverer) fail(ctx context.Context, job *jobstore.Job, res *Result) {
	err := r.store.Transition(ctx, job.ID,
		[]jobstore.Status{jobstore.StatusProcessing}, jobstore.StatusFailed)
	if err != nil {
		if jobstore.IsConflict(err) {
			return
		}
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", job.ID, err))
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("could not fail orphaned job")
		return
	}
	now := time.Now().UTC()
	updErr := r.store.Update(ctx, job.ID, jobstore.JobUpdates{CompletedAt: &now})
	if updErr == nil {
		updErr = r.store.AppendError(ctx, job.ID, jobstore.ErrorEntry{
			Timestamp: now,
			Message:   "interrupted by worker restart",
		})
	}
	if updErr != nil {
		r.logger.Warn().Err(updErr).Str("job_id", job.ID).Msg("failed job bookkeeping incomplete")
	}
	res.Failed = append(res.Failed, job.ID)
	r.logger.Warn().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Msg("orphaned job failed: type cannot resume from a checkpoint")
}
