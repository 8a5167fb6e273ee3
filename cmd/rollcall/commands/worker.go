package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rollcall/rollcall/pkg/config"
	"github.com/rollcall/rollcall/pkg/jobstore"
	"github.com/rollcall/rollcall/pkg/metrics"
	"github.com/rollcall/rollcall/pkg/processor"
	"github.com/rollcall/rollcall/pkg/recovery"
	"github.com/rollcall/rollcall/pkg/runner"
	"github.com/rollcall/rollcall/pkg/worker"
)

// Job types the worker knows how to run. Import types resume from their
// persisted checkpoint after a restart; maintenance types do not.
var (
	importJobTypes      = []string{"voter_import", "geocode_households"}
	maintenanceJobTypes = []string{"upload_cleanup"}
)

const stopGracePeriod = 30 * time.Second

// NewWorkerCommand builds the long-running worker process: startup
// recovery, queue consumers, and the metrics endpoint.
func NewWorkerCommand(getConfig func() config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worker",
		Short:   "Run the job worker",
		Long:    "Runs the startup recovery sweep, then consumes queued jobs until interrupted.",
		GroupID: "core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), getConfig())
		},
	}
	return cmd
}

func runWorker(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.With().Str("command", "worker").Logger()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize job store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("job store close failed")
		}
	}()

	collector := metrics.NewCollector()
	run := runner.New(store)

	// Recovery runs to completion before any consumer starts, so an
	// orphaned job cannot be raced by its own redelivery.
	rec := recovery.New(store, importJobTypes, log.Logger).WithCollector(collector)
	if _, err := rec.Run(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	source, err := buildTaskSource(cfg, store)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn().Err(err).Msg("task source close failed")
		}
	}()

	proc := processor.New(store, run).
		WithCheckpointRows(cfg.Worker.CheckpointRows).
		WithRowsObserver(collector.AddRowsProcessed)

	pool := worker.NewPool(store, run, source, log.Logger).
		WithQueues([]worker.QueueConfig{
			{Name: worker.QueueImports, Concurrency: cfg.Worker.ImportConcurrency},
			{Name: worker.QueueMaintenance, Concurrency: cfg.Worker.MaintenanceConcurrency},
		}).
		WithCollector(collector).
		WithStaleAfter(cfg.Worker.StaleAfter)

	for _, jobType := range importJobTypes {
		pool.Register(jobType, worker.HandlerFunc(proc.Process))
	}
	for _, jobType := range maintenanceJobTypes {
		pool.Register(jobType, worker.HandlerFunc(func(ctx context.Context, jobID string) error {
			return runCleanupJob(ctx, store, run, jobID)
		}))
	}

	if err := pool.Start(ctx); err != nil {
		return err
	}

	if cfg.Worker.CleanupInterval > 0 {
		go scheduleCleanup(ctx, cfg.Worker.CleanupInterval, run, collector, source, cfg.Broker.Enabled)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics.Addr, collector)
	}

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Bool("broker", cfg.Broker.Enabled).
		Msg("worker running")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining workers")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("worker pool drain incomplete")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}
	return nil
}

func buildTaskSource(cfg config.Config, store jobstore.Store) (worker.TaskSource, error) {
	if cfg.Broker.Enabled {
		return worker.DialAMQP(cfg.Broker.URL, log.Logger)
	}
	return worker.NewStoreSource(store, cfg.Worker.PollInterval, log.Logger), nil
}

// scheduleCleanup enqueues a recurring upload_cleanup job. Without a
// broker the pending row itself is the queue entry; with one the task is
// published so redelivery follows the broker's rules.
func scheduleCleanup(ctx context.Context, interval time.Duration, run *runner.Runner,
	collector *metrics.Collector, source worker.TaskSource, brokerEnabled bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := run.CreateJob(ctx, "upload_cleanup", "scheduler", nil)
		if err != nil {
			log.Error().Err(err).Msg("could not enqueue cleanup job")
			continue
		}
		collector.RecordEnqueue()

		if brokerEnabled {
			publisher, ok := source.(worker.TaskPublisher)
			if !ok {
				continue
			}
			task := worker.Task{
				JobID: job.ID,
				Type:  job.Type,
				Queue: worker.QueueForType(job.Type),
			}
			if err := publisher.Publish(ctx, task); err != nil {
				log.Error().Err(err).Str("job_id", job.ID).Msg("could not publish cleanup task")
			}
		}
		log.Info().Str("job_id", job.ID).Msg("scheduled cleanup job enqueued")
	}
}

// runCleanupJob runs the store's source file sweep as a maintenance job,
// recording the outcome on the job row like any other run.
func runCleanupJob(ctx context.Context, store jobstore.Store, run *runner.Runner, jobID string) error {
	if err := run.Start(ctx, jobID); err != nil {
		var notStartable *runner.NotStartableError
		if errors.As(err, &notStartable) {
			return nil
		}
		return err
	}

	result, err := store.GarbageCollect(ctx, jobstore.GCOptions{})
	if err != nil {
		return run.Fail(ctx, jobID, fmt.Sprintf("cleanup sweep failed: %v", err))
	}

	removed := int64(result.FilesRemoved)
	summary := &jobstore.OutputStats{
		RecordsSkipped: int64(len(result.Errors)),
		ErrorCount:     int64(len(result.Errors)),
	}
	return run.Complete(ctx, jobID, removed, summary)
}

func serveMetrics(addr string, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	return srv
}
