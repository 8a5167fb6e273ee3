package jobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	var invalid *InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestSQLiteStore_CreateAndGetRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	total := int64(5000)
	job := makeJob("job-1", "voter_import")
	job.TotalItems = &total
	job.Data = map[string]any{
		DataKeyFilePath: "/tmp/voters.txt",
		DataKeyFormat:   "voterfile",
	}
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, int64(0), got.ProcessedItems)
	require.NotNil(t, got.TotalItems)
	assert.Equal(t, int64(5000), *got.TotalItems)
	assert.Equal(t, "voterfile", got.Data[DataKeyFormat])
	assert.False(t, got.CreatedAt.IsZero())
	assert.True(t, got.StartedAt.IsZero())
	assert.True(t, got.CompletedAt.IsZero())
}

func TestSQLiteStore_CreateDuplicateID(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, makeJob("job-1", "voter_import")))
	err := store.Create(ctx, makeJob("job-1", "voter_import"))
	var exists *AlreadyExistsError
	assert.ErrorAs(t, err, &exists)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := store.Get(context.Background(), "no-such-job")
	assert.True(t, IsNotFound(err))
}

func TestSQLiteStore_UpdateClampsProcessedItems(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, makeJob("job-1", "voter_import")))

	processed := int64(500)
	require.NoError(t, store.Update(ctx, "job-1", JobUpdates{ProcessedItems: &processed}))

	regressed := int64(200)
	require.NoError(t, store.Update(ctx, "job-1", JobUpdates{ProcessedItems: &regressed}))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.ProcessedItems)
}

func TestSQLiteStore_TransitionConflict(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, makeJob("job-1", "voter_import")))
	require.NoError(t, store.Transition(ctx, "job-1", []Status{StatusPending}, StatusProcessing))

	err := store.Transition(ctx, "job-1", []Status{StatusPending}, StatusProcessing)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusProcessing, conflict.Current)
}

func TestSQLiteStore_TransitionConcurrentSingleWinner(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, makeJob("job-1", "voter_import")))

	const attempts = 8
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			results <- store.Transition(ctx, "job-1", []Status{StatusPending}, StatusProcessing)
		}()
	}

	wins := 0
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.True(t, IsConflict(err), "losers must see a conflict, got: %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestSQLiteStore_MergeDataPreservesOtherKeys(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeJob("job-1", "voter_import")
	job.Data = map[string]any{DataKeyFormat: "voterfile", DataKeyFilePath: "/tmp/f"}
	require.NoError(t, store.Create(ctx, job))

	require.NoError(t, store.MergeData(ctx, "job-1", map[string]any{
		DataKeyResumeFrom: int64(400),
	}))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "voterfile", got.Data[DataKeyFormat])
	assert.Equal(t, "/tmp/f", got.Data[DataKeyFilePath])
	assert.NotNil(t, got.Data[DataKeyResumeFrom])
}

func TestSQLiteStore_AppendErrorCapped(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, makeJob("job-1", "voter_import")))

	for i := 0; i < MaxErrorLogEntries+3; i++ {
		require.NoError(t, store.AppendError(ctx, "job-1", ErrorEntry{
			Message: fmt.Sprintf("row %d: bad", i),
		}))
	}

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got.ErrorLog, MaxErrorLogEntries)
	assert.Equal(t, "row 3: bad", got.ErrorLog[0].Message)
	assert.False(t, got.ErrorLog[0].Timestamp.IsZero())
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := makeJob(fmt.Sprintf("import-%d", i), "voter_import")
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(ctx, job))
	}
	require.NoError(t, store.Create(ctx, makeJob("cleanup-1", "upload_cleanup")))
	require.NoError(t, store.Transition(ctx, "cleanup-1", []Status{StatusPending}, StatusProcessing))

	byType, err := store.List(ctx, JobFilter{Type: "voter_import"})
	require.NoError(t, err)
	assert.Len(t, byType, 3)

	byStatus, err := store.List(ctx, JobFilter{Status: StatusProcessing})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "cleanup-1", byStatus[0].ID)

	limited, err := store.List(ctx, JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_TransitionStampsUpdatedAt(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, makeJob("job-1", "voter_import")))
	before, err := store.Get(ctx, "job-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Transition(ctx, "job-1", []Status{StatusPending}, StatusProcessing))

	after, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}
