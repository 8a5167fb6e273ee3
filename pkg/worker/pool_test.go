package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/rollcall/pkg/jobstore"
	"github.com/rollcall/rollcall/pkg/runner"
)

func newTestStore(t *testing.T) jobstore.Store {
	t.Helper()
	store, err := jobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createJob(t *testing.T, store jobstore.Store, id, jobType string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &jobstore.Job{
		ID:        id,
		Type:      jobType,
		CreatedBy: "test",
	}))
}

// chanSource delivers tasks from a channel, recording each handler outcome.
type chanSource struct {
	tasks chan Task

	mu       sync.Mutex
	outcomes []error
}

func newChanSource(buffer int) *chanSource {
	return &chanSource{tasks: make(chan Task, buffer)}
}

func (s *chanSource) Consume(ctx context.Context, queue string, handle HandleFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-s.tasks:
			if !ok {
				return nil
			}
			err := handle(ctx, task)
			s.mu.Lock()
			s.outcomes = append(s.outcomes, err)
			s.mu.Unlock()
		}
	}
}

func (s *chanSource) Close() error { return nil }

func (s *chanSource) recorded() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.outcomes...)
}

func TestQueueForType(t *testing.T) {
	assert.Equal(t, QueueImports, QueueForType("voter_import"))
	assert.Equal(t, QueueImports, QueueForType("geocode_households"))
	assert.Equal(t, QueueMaintenance, QueueForType("upload_cleanup"))
	assert.Equal(t, QueueMaintenance, QueueForType("anything_else"))
}

func TestPool_DispatchRoutesToRegisteredHandler(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", "voter_import")

	source := newChanSource(1)
	pool := NewPool(store, runner.New(store), source, zerolog.Nop()).
		WithStaleAfter(0)

	handled := make(chan string, 1)
	pool.Register("voter_import", HandlerFunc(func(ctx context.Context, jobID string) error {
		handled <- jobID
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	source.tasks <- Task{JobID: "job-1", Type: "voter_import", Queue: QueueImports}

	select {
	case id := <-handled:
		assert.Equal(t, "job-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestPool_UnknownJobIDIsSurfacedNotDropped(t *testing.T) {
	store := newTestStore(t)

	source := newChanSource(1)
	pool := NewPool(store, runner.New(store), source, zerolog.Nop()).
		WithStaleAfter(0)
	pool.Register("voter_import", HandlerFunc(func(ctx context.Context, jobID string) error {
		return nil
	}))

	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	source.tasks <- Task{JobID: "ghost", Type: "voter_import", Queue: QueueImports}

	require.Eventually(t, func() bool {
		return len(source.recorded()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	err := source.recorded()[0]
	var unknownJob *UnknownJobError
	require.ErrorAs(t, err, &unknownJob)
	assert.Equal(t, "ghost", unknownJob.JobID)
	assert.True(t, IsNonRetryable(err))
}

func TestPool_UnregisteredTypeFailsDispatch(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", "mystery_type")

	source := newChanSource(1)
	pool := NewPool(store, runner.New(store), source, zerolog.Nop()).
		WithStaleAfter(0)

	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	source.tasks <- Task{JobID: "job-1", Type: "mystery_type", Queue: QueueMaintenance}

	require.Eventually(t, func() bool {
		return len(source.recorded()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var noHandler *NoHandlerError
	assert.ErrorAs(t, source.recorded()[0], &noHandler)
}

func TestPool_StopDrainsInFlightHandlers(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", "voter_import")

	source := newChanSource(1)
	pool := NewPool(store, runner.New(store), source, zerolog.Nop()).
		WithStaleAfter(0)

	started := make(chan struct{})
	finished := make(chan struct{})
	pool.Register("voter_import", HandlerFunc(func(ctx context.Context, jobID string) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		close(finished)
		return nil
	}))

	require.NoError(t, pool.Start(context.Background()))
	source.tasks <- Task{JobID: "job-1", Type: "voter_import", Queue: QueueImports}
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight handler finished")
	}
}

func TestPool_StartTwiceFails(t *testing.T) {
	store := newTestStore(t)
	pool := NewPool(store, runner.New(store), newChanSource(1), zerolog.Nop()).
		WithStaleAfter(0)

	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	assert.Error(t, pool.Start(context.Background()))
}

func TestPool_SweepStaleFailsQuietJobs(t *testing.T) {
	store := newTestStore(t)
	run := runner.New(store)
	ctx := context.Background()

	createJob(t, store, "stale-job", "voter_import")
	require.NoError(t, store.Transition(ctx, "stale-job",
		[]jobstore.Status{jobstore.StatusPending}, jobstore.StatusProcessing))

	createJob(t, store, "fresh-job", "voter_import")

	pool := NewPool(store, run, newChanSource(1), zerolog.Nop()).
		WithStaleAfter(time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	pool.sweepStale(ctx)

	stale, err := store.Get(ctx, "stale-job")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, stale.Status)
	require.NotEmpty(t, stale.ErrorLog)
	assert.Contains(t, stale.ErrorLog[0].Message, "no progress")

	fresh, err := store.Get(ctx, "fresh-job")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPending, fresh.Status, "non-processing jobs are never swept")
}

func TestPool_SweepStaleSkipsActiveJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createJob(t, store, "active-job", "voter_import")
	require.NoError(t, store.Transition(ctx, "active-job",
		[]jobstore.Status{jobstore.StatusPending}, jobstore.StatusProcessing))

	pool := NewPool(store, runner.New(store), newChanSource(1), zerolog.Nop()).
		WithStaleAfter(time.Hour)
	pool.sweepStale(ctx)

	got, err := store.Get(ctx, "active-job")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusProcessing, got.Status,
		"a recently updated job is not stale")
}

func TestStoreSource_DeliversPendingJobsOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &jobstore.Job{ID: "older", Type: "voter_import", CreatedBy: "test",
		CreatedAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, store.Create(ctx, first))
	second := &jobstore.Job{ID: "newer", Type: "voter_import", CreatedBy: "test"}
	require.NoError(t, store.Create(ctx, second))

	source := NewStoreSource(store, time.Millisecond, zerolog.Nop())

	var delivered []string
	handle := func(ctx context.Context, task Task) error {
		delivered = append(delivered, task.JobID)
		// Mark it claimed so the next pass picks the other one.
		return store.Transition(ctx, task.JobID,
			[]jobstore.Status{jobstore.StatusPending}, jobstore.StatusProcessing)
	}

	ok, err := source.deliverOne(ctx, QueueImports, handle)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = source.deliverOne(ctx, QueueImports, handle)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"older", "newer"}, delivered)
}

func TestStoreSource_FiltersByQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "cleanup-1", "upload_cleanup")

	source := NewStoreSource(store, time.Millisecond, zerolog.Nop())

	delivered, err := source.deliverOne(ctx, QueueImports, func(ctx context.Context, task Task) error {
		t.Fatalf("import queue must not see maintenance job %s", task.JobID)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, delivered)

	delivered, err = source.deliverOne(ctx, QueueMaintenance, func(ctx context.Context, task Task) error {
		assert.Equal(t, "cleanup-1", task.JobID)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestStoreSource_NonRetryableErrorIsDropped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1", "voter_import")

	source := NewStoreSource(store, time.Millisecond, zerolog.Nop())

	delivered, err := source.deliverOne(ctx, QueueImports, func(ctx context.Context, task Task) error {
		return &UnknownJobError{JobID: task.JobID}
	})
	require.NoError(t, err, "non-retryable dispatch errors are logged, not propagated")
	assert.True(t, delivered)
}

func TestStoreSource_ConsumeStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	source := NewStoreSource(store, time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- source.Consume(ctx, QueueImports, func(context.Context, Task) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not stop on context cancel")
	}
}

func TestIsNonRetryable(t *testing.T) {
	assert.True(t, IsNonRetryable(&UnknownJobError{JobID: "x"}))
	assert.True(t, IsNonRetryable(&NoHandlerError{Type: "x"}))
	assert.False(t, IsNonRetryable(errors.New("store unreachable")))
	assert.False(t, IsNonRetryable(nil))
}
