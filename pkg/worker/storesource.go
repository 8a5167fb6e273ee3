package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollcall/rollcall/pkg/jobstore"
)

// DefaultPollInterval is how often StoreSource checks for pending jobs
// when the previous pass found nothing to do.
const DefaultPollInterval = 2 * time.Second

// StoreSource treats pending job rows as the queue itself: no broker, no
// in-flight state. A job claimed by one consumer is guarded by the store's
// atomic status transition, so duplicate deliveries collapse to no-ops.
type StoreSource struct {
	store    jobstore.Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewStoreSource returns a source that polls the job store for pending
// work. interval <= 0 selects DefaultPollInterval.
func NewStoreSource(store jobstore.Store, interval time.Duration, logger zerolog.Logger) *StoreSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &StoreSource{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "storesource").Logger(),
	}
}

// Consume polls for pending jobs on the named queue and hands each to
// handle. Handler errors leave the job row untouched; if the job is still
// pending a later pass redelivers it.
func (s *StoreSource) Consume(ctx context.Context, queue string, handle HandleFunc) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		delivered, err := s.deliverOne(ctx, queue, handle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Str("queue", queue).Msg("task delivery failed")
		}
		if delivered {
			// Drain the backlog before sleeping again.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *StoreSource) deliverOne(ctx context.Context, queue string, handle HandleFunc) (bool, error) {
	jobs, err := s.store.List(ctx, jobstore.JobFilter{Status: jobstore.StatusPending})
	if err != nil {
		return false, err
	}
	// List returns newest first; the queue drains oldest first.
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if QueueForType(job.Type) != queue {
			continue
		}
		task := Task{JobID: job.ID, Type: job.Type, Queue: queue}
		if err := handle(ctx, task); err != nil {
			if IsNonRetryable(err) {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("dropping undeliverable task")
				return true, nil
			}
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// Close is a no-op; the store is owned by the caller.
func (s *StoreSource) Close() error { return nil }
