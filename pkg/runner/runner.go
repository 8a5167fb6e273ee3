// Package runner implements the job lifecycle state machine.
//
// The runner is a thin layer over the job store that enforces the legal
// status transitions:
//
//	pending -> processing -> {completed | failed | paused | cancelled}
//	paused  -> processing (resume) | cancelled
//
// completed, failed and cancelled are terminal; a job in any of them
// rejects further start/progress calls as no-ops. The runner never pushes
// pause/cancel into a running import: an admin flips the status directly
// (Pause/Cancel) and the processor observes the flip at its next progress
// checkpoint.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rollcall/rollcall/pkg/jobstore"
)

// NotStartableError reports that Start found the job already active or
// terminal. Callers treat it as the single-flight no-op signal.
type NotStartableError struct {
	ID     string
	Status jobstore.Status
}

func (e *NotStartableError) Error() string {
	return fmt.Sprintf("job %q is %s, not startable", e.ID, e.Status)
}

// Runner drives job lifecycle transitions against a store.
type Runner struct {
	store  jobstore.Store
	logger zerolog.Logger
}

// New creates a Runner backed by the given store.
func New(store jobstore.Store) *Runner {
	return &Runner{
		store:  store,
		logger: log.With().Str("component", "runner").Logger(),
	}
}

// CreateJob creates a new pending job and returns it.
func (r *Runner) CreateJob(ctx context.Context, jobType, createdBy string, data map[string]any) (*jobstore.Job, error) {
	job := &jobstore.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		CreatedBy: createdBy,
		Data:      data,
	}
	if err := r.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	r.logger.Info().Str("job_id", job.ID).Str("type", jobType).Msg("job created")
	return job, nil
}

// Get returns the current job snapshot.
func (r *Runner) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	return r.store.Get(ctx, id)
}

// Start moves the job into processing. Allowed only from pending or paused;
// any other current status yields a NotStartableError. This compare-and-set
// is what guarantees at most one active processing pass per job: of two
// concurrent Start calls exactly one wins the transition.
func (r *Runner) Start(ctx context.Context, id string) error {
	err := r.store.Transition(ctx, id,
		[]jobstore.Status{jobstore.StatusPending, jobstore.StatusPaused},
		jobstore.StatusProcessing)
	if err != nil {
		if jobstore.IsConflict(err) {
			job, getErr := r.store.Get(ctx, id)
			if getErr != nil {
				return getErr
			}
			return &NotStartableError{ID: id, Status: job.Status}
		}
		return err
	}

	job, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.StartedAt.IsZero() {
		now := time.Now().UTC()
		if err := r.store.Update(ctx, id, jobstore.JobUpdates{StartedAt: &now}); err != nil {
			return err
		}
	}
	r.logger.Info().Str("job_id", id).Msg("job started")
	return nil
}

// UpdateProgress persists monotonic progress and optional derived stats.
// Valid only while the job is processing; in any other status it is a
// no-op that leaves stored state untouched. PercentComplete is clamped
// below 100 here: only Complete writes 100.
func (r *Runner) UpdateProgress(ctx context.Context, id string, processed int64, total *int64, stats *jobstore.OutputStats) error {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != jobstore.StatusProcessing {
		r.logger.Debug().Str("job_id", id).Str("status", string(job.Status)).
			Msg("progress update ignored, job not processing")
		return nil
	}

	if stats != nil && stats.PercentComplete >= 100 {
		stats.PercentComplete = 99
	}
	updates := jobstore.JobUpdates{
		ProcessedItems: &processed,
		OutputStats:    stats,
	}
	if total != nil {
		updates.TotalItems = total
	}
	return r.store.Update(ctx, id, updates)
}

// Complete transitions the job to completed and freezes final counts.
// processed becomes both ProcessedItems and TotalItems: at completion the
// stream has been fully consumed, so the two agree.
func (r *Runner) Complete(ctx context.Context, id string, processed int64, summary *jobstore.OutputStats) error {
	err := r.store.Transition(ctx, id,
		[]jobstore.Status{jobstore.StatusProcessing},
		jobstore.StatusCompleted)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updates := jobstore.JobUpdates{
		CompletedAt:    &now,
		ProcessedItems: &processed,
		TotalItems:     &processed,
	}
	if summary != nil {
		summary.PercentComplete = 100
		updates.OutputStats = summary
	}
	if err := r.store.Update(ctx, id, updates); err != nil {
		return err
	}
	r.logger.Info().Str("job_id", id).Msg("job completed")
	return nil
}

// Fail transitions the job to failed and records the message as a terminal
// error entry. Allowed from any non-terminal state: a job can fail before
// it ever starts (unsupported format) or while processing.
func (r *Runner) Fail(ctx context.Context, id, message string) error {
	err := r.store.Transition(ctx, id,
		[]jobstore.Status{jobstore.StatusPending, jobstore.StatusProcessing, jobstore.StatusPaused},
		jobstore.StatusFailed)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := r.store.Update(ctx, id, jobstore.JobUpdates{CompletedAt: &now}); err != nil {
		return err
	}
	if err := r.store.AppendError(ctx, id, jobstore.ErrorEntry{Message: message}); err != nil {
		return err
	}
	r.logger.Warn().Str("job_id", id).Str("reason", message).Msg("job failed")
	return nil
}

// Pause parks a processing or pending job. The in-flight run observes the
// flip at its next checkpoint and stops, persisting its resume cursor.
func (r *Runner) Pause(ctx context.Context, id string) error {
	return r.store.Transition(ctx, id,
		[]jobstore.Status{jobstore.StatusPending, jobstore.StatusProcessing},
		jobstore.StatusPaused)
}

// Cancel terminates the job. Allowed from any non-terminal state.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	return r.store.Transition(ctx, id,
		[]jobstore.Status{jobstore.StatusPending, jobstore.StatusProcessing, jobstore.StatusPaused},
		jobstore.StatusCancelled)
}

// Resume moves a paused job back to pending so a dispatcher can pick it up
// again. The actual resumed run starts from the persisted checkpoint.
func (r *Runner) Resume(ctx context.Context, id string) error {
	return r.store.Transition(ctx, id,
		[]jobstore.Status{jobstore.StatusPaused},
		jobstore.StatusPending)
}

// MergeData merges partial fields into the job's data payload.
func (r *Runner) MergeData(ctx context.Context, id string, partial map[string]any) error {
	return r.store.MergeData(ctx, id, partial)
}

// AddError appends an entry to the job's error log.
func (r *Runner) AddError(ctx context.Context, id string, entry jobstore.ErrorEntry) error {
	return r.store.AppendError(ctx, id, entry)
}

// PercentFromBytes derives a percent-complete from bytes consumed against
// the file size, capped at 99 so a job never shows done while trailing
// cleanup is in flight.
func PercentFromBytes(bytesProcessed, fileSize int64) float64 {
	if fileSize <= 0 {
		return 0
	}
	pct := float64(bytesProcessed) / float64(fileSize) * 100
	if pct > 99 {
		pct = 99
	}
	return pct
}
