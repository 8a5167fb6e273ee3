package runner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/rollcall/pkg/jobstore"
)

func newTestRunner(t *testing.T) (*Runner, jobstore.Store) {
	t.Helper()
	store, err := jobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func createTestJob(t *testing.T, r *Runner) *jobstore.Job {
	t.Helper()
	job, err := r.CreateJob(context.Background(), "voter_import", "test", map[string]any{
		jobstore.DataKeyFormat: "voterfile",
	})
	require.NoError(t, err)
	return job
}

func TestRunner_CreateJob(t *testing.T) {
	r, _ := newTestRunner(t)
	job := createTestJob(t, r)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, jobstore.StatusPending, job.Status)
	assert.Equal(t, "test", job.CreatedBy)
}

func TestRunner_StartFromPending(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	require.NoError(t, r.Start(ctx, job.ID))

	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusProcessing, got.Status)
	assert.False(t, got.StartedAt.IsZero(), "first start stamps StartedAt")
}

func TestRunner_StartPreservesOriginalStartTime(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	require.NoError(t, r.Start(ctx, job.ID))
	first, err := r.Get(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, r.Pause(ctx, job.ID))
	require.NoError(t, r.Start(ctx, job.ID))

	second, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.StartedAt, second.StartedAt, "restart keeps the original StartedAt")
}

func TestRunner_StartSingleFlight(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	const attempts = 6
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Start(ctx, job.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var notStartable *NotStartableError
		assert.ErrorAs(t, err, &notStartable)
	}
	assert.Equal(t, 1, wins, "exactly one concurrent start may claim the job")
}

func TestRunner_StartTerminalJob(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	require.NoError(t, r.Cancel(ctx, job.ID))

	err := r.Start(ctx, job.ID)
	var notStartable *NotStartableError
	require.ErrorAs(t, err, &notStartable)
	assert.Equal(t, jobstore.StatusCancelled, notStartable.Status)
}

func TestRunner_UpdateProgress(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)
	require.NoError(t, r.Start(ctx, job.ID))

	total := int64(1000)
	stats := &jobstore.OutputStats{RecordsCreated: 400, PercentComplete: 40}
	require.NoError(t, r.UpdateProgress(ctx, job.ID, 400, &total, stats))

	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.ProcessedItems)
	require.NotNil(t, got.TotalItems)
	assert.Equal(t, int64(1000), *got.TotalItems)
	assert.Equal(t, float64(40), got.OutputStats.PercentComplete)
}

func TestRunner_UpdateProgressClampsPercentBelow100(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)
	require.NoError(t, r.Start(ctx, job.ID))

	stats := &jobstore.OutputStats{PercentComplete: 100}
	require.NoError(t, r.UpdateProgress(ctx, job.ID, 999, nil, stats))

	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(99), got.OutputStats.PercentComplete,
		"only Complete may write 100 percent")
}

func TestRunner_UpdateProgressIgnoredWhenNotProcessing(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)
	require.NoError(t, r.Start(ctx, job.ID))
	require.NoError(t, r.Pause(ctx, job.ID))

	require.NoError(t, r.UpdateProgress(ctx, job.ID, 700, nil, nil))

	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ProcessedItems, "progress on a parked job is a no-op")
	assert.Equal(t, jobstore.StatusPaused, got.Status)
}

func TestRunner_Complete(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)
	require.NoError(t, r.Start(ctx, job.ID))

	summary := &jobstore.OutputStats{RecordsCreated: 950, RecordsSkipped: 50}
	require.NoError(t, r.Complete(ctx, job.ID, 1000, summary))

	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, got.Status)
	assert.Equal(t, int64(1000), got.ProcessedItems)
	require.NotNil(t, got.TotalItems)
	assert.Equal(t, int64(1000), *got.TotalItems)
	assert.Equal(t, float64(100), got.OutputStats.PercentComplete)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestRunner_CompleteRequiresProcessing(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	err := r.Complete(ctx, job.ID, 10, nil)
	assert.True(t, jobstore.IsConflict(err), "a pending job cannot complete")
}

func TestRunner_Fail(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	require.NoError(t, r.Fail(ctx, job.ID, "unsupported import format \"xml\""))

	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
	require.Len(t, got.ErrorLog, 1)
	assert.Contains(t, got.ErrorLog[0].Message, "unsupported import format")
}

func TestRunner_TerminalStatesAreImmutable(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		finalize func(id string) error
		want     jobstore.Status
	}{
		{"completed", func(id string) error {
			if err := r.Start(ctx, id); err != nil {
				return err
			}
			return r.Complete(ctx, id, 1, nil)
		}, jobstore.StatusCompleted},
		{"failed", func(id string) error {
			return r.Fail(ctx, id, "boom")
		}, jobstore.StatusFailed},
		{"cancelled", func(id string) error {
			return r.Cancel(ctx, id)
		}, jobstore.StatusCancelled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := createTestJob(t, r)
			require.NoError(t, tc.finalize(job.ID))

			assert.Error(t, r.Pause(ctx, job.ID))
			assert.Error(t, r.Cancel(ctx, job.ID))
			assert.Error(t, r.Resume(ctx, job.ID))
			assert.Error(t, r.Start(ctx, job.ID))

			got, err := r.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status, "terminal status never changes")
		})
	}
}

func TestRunner_PauseResumeCycle(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	require.NoError(t, r.Start(ctx, job.ID))
	require.NoError(t, r.Pause(ctx, job.ID))

	got, _ := r.Get(ctx, job.ID)
	assert.Equal(t, jobstore.StatusPaused, got.Status)

	require.NoError(t, r.Resume(ctx, job.ID))
	got, _ = r.Get(ctx, job.ID)
	assert.Equal(t, jobstore.StatusPending, got.Status, "resume requeues rather than restarts")
}

func TestRunner_ResumeRequiresPaused(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	assert.True(t, jobstore.IsConflict(r.Resume(ctx, job.ID)))
}

func TestRunner_CancelFromPaused(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	job := createTestJob(t, r)

	require.NoError(t, r.Start(ctx, job.ID))
	require.NoError(t, r.Pause(ctx, job.ID))
	require.NoError(t, r.Cancel(ctx, job.ID))

	got, _ := r.Get(ctx, job.ID)
	assert.Equal(t, jobstore.StatusCancelled, got.Status)
}

func TestPercentFromBytes(t *testing.T) {
	cases := []struct {
		name  string
		bytes int64
		size  int64
		want  float64
	}{
		{"zero size", 100, 0, 0},
		{"negative size", 100, -1, 0},
		{"halfway", 50, 100, 50},
		{"done is capped at 99", 100, 100, 99},
		{"overshoot is capped at 99", 150, 100, 99},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PercentFromBytes(tc.bytes, tc.size))
		})
	}
}
