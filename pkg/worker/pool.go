package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollcall/rollcall/pkg/jobstore"
	"github.com/rollcall/rollcall/pkg/metrics"
	"github.com/rollcall/rollcall/pkg/runner"
)

// DefaultStaleAfter is how long a processing job may go without a progress
// write before the watchdog fails it. Zero disables the watchdog.
const DefaultStaleAfter = 15 * time.Minute

// Handler runs one job to a terminal or parked state. A nil return means
// the job's outcome is recorded on the job row; a non-nil return asks for
// redelivery.
type Handler interface {
	Handle(ctx context.Context, jobID string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, jobID string) error

func (f HandlerFunc) Handle(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// QueueConfig sets the consumer count for one queue category.
type QueueConfig struct {
	Name        string
	Concurrency int
}

// DefaultQueues runs imports strictly serially and allows a little
// parallelism for maintenance work.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: QueueImports, Concurrency: 1},
		{Name: QueueMaintenance, Concurrency: 3},
	}
}

// Pool owns the consumer goroutines for every configured queue. It is
// constructed by the composition root, started once, and stopped with a
// bounded drain; nothing else in the process spawns job workers.
type Pool struct {
	store      jobstore.Store
	run        *runner.Runner
	source     TaskSource
	queues     []QueueConfig
	handlers   map[string]Handler
	collector  *metrics.Collector
	staleAfter time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPool builds a pool over the given store and task source.
func NewPool(store jobstore.Store, run *runner.Runner, source TaskSource, logger zerolog.Logger) *Pool {
	return &Pool{
		store:      store,
		run:        run,
		source:     source,
		queues:     DefaultQueues(),
		handlers:   make(map[string]Handler),
		staleAfter: DefaultStaleAfter,
		logger:     logger.With().Str("component", "worker").Logger(),
	}
}

// WithQueues overrides the queue set and per-queue concurrency.
func (p *Pool) WithQueues(queues []QueueConfig) *Pool {
	if len(queues) > 0 {
		p.queues = queues
	}
	return p
}

// WithCollector wires dispatch and outcome metrics.
func (p *Pool) WithCollector(c *metrics.Collector) *Pool {
	p.collector = c
	return p
}

// WithStaleAfter sets the watchdog window. d <= 0 disables the watchdog.
func (p *Pool) WithStaleAfter(d time.Duration) *Pool {
	p.staleAfter = d
	return p
}

// Register binds a handler to a job type. Registration happens before
// Start; the map is not guarded afterwards.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Start launches the consumers and the staleness watchdog. It returns
// immediately; work continues until Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	for _, q := range p.queues {
		n := q.Concurrency
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.consume(runCtx, q.Name, i)
		}
		p.logger.Info().Str("queue", q.Name).Int("concurrency", n).Msg("queue consumers started")
	}

	if p.staleAfter > 0 {
		p.wg.Add(1)
		go p.watchdog(runCtx)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return nil
}

// Stop cancels consumption and waits for in-flight handlers to drain. The
// wait is bounded by ctx; a deadline hit returns ctx.Err with workers
// still winding down in the background.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.cancel == nil {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		p.logger.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn().Msg("worker pool stop timed out before drain completed")
		return ctx.Err()
	}
}

func (p *Pool) consume(ctx context.Context, queue string, slot int) {
	defer p.wg.Done()
	logger := p.logger.With().Str("queue", queue).Int("slot", slot).Logger()
	err := p.source.Consume(ctx, queue, p.dispatch)
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("consumer exited")
		return
	}
	logger.Debug().Msg("consumer stopped")
}

// dispatch resolves a task to its job row and runs the registered handler.
func (p *Pool) dispatch(ctx context.Context, task Task) error {
	job, err := p.store.Get(ctx, task.JobID)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return &UnknownJobError{JobID: task.JobID}
		}
		return fmt.Errorf("resolve task job: %w", err)
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		return &NoHandlerError{Type: job.Type}
	}

	if p.collector != nil {
		p.collector.RecordDispatch()
	}
	logger := p.logger.With().Str("job_id", job.ID).Str("type", job.Type).Logger()
	logger.Info().Str("queue", task.Queue).Msg("dispatching job")

	start := time.Now()
	handleErr := handler.Handle(ctx, job.ID)
	elapsed := time.Since(start)

	if p.collector != nil {
		status := jobstore.StatusFailed
		if after, err := p.store.Get(context.WithoutCancel(ctx), job.ID); err == nil {
			status = after.Status
		}
		p.collector.RecordOutcome(string(status), elapsed.Seconds())
	}

	if handleErr != nil {
		logger.Warn().Err(handleErr).Dur("elapsed", elapsed).Msg("job dispatch failed")
		return handleErr
	}
	logger.Info().Dur("elapsed", elapsed).Msg("job dispatch finished")
	return nil
}

// watchdog fails processing jobs whose rows have gone quiet. Every
// progress checkpoint stamps updated_at, so a stale row means the handler
// died without reaching a terminal transition.
func (p *Pool) watchdog(ctx context.Context) {
	defer p.wg.Done()

	interval := p.staleAfter / 4
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepStale(ctx)
		}
	}
}

func (p *Pool) sweepStale(ctx context.Context) {
	jobs, err := p.store.List(ctx, jobstore.JobFilter{Status: jobstore.StatusProcessing})
	if err != nil {
		p.logger.Error().Err(err).Msg("stale job sweep failed")
		return
	}
	cutoff := time.Now().Add(-p.staleAfter)
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		msg := fmt.Sprintf("no progress recorded for %s, marking failed", p.staleAfter)
		if err := p.run.Fail(ctx, job.ID, msg); err != nil {
			if jobstore.IsConflict(err) {
				continue
			}
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark stale job")
			continue
		}
		p.logger.Warn().Str("job_id", job.ID).Time("updated_at", job.UpdatedAt).Msg("stale job failed by watchdog")
	}
}
