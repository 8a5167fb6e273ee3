// Package jobstore provides durable storage for job records.
//
// The package defines the Store interface consumed by the runner, processor,
// worker, and recovery packages, and two implementations: LocalStore
// (file-based, one JSON document per job, flock-guarded) and SQLiteStore
// (single jobs table, transaction-guarded).
//
// Both implementations provide the two derived operations the rest of the
// system leans on heavily: Transition, an atomic compare-and-set on status
// that is the single-flight primitive, and MergeData, a field-level merge
// into the opaque data payload that never requires the caller to
// read-modify-write the whole document.
package jobstore

import "context"

// Store is the durable job record store.
//
// Thread-safety: all methods must be safe for concurrent use. Status writes
// are last-writer-wins; Data merges are field-level so a checkpoint written
// concurrently with an unrelated field update is not lost.
type Store interface {
	// Initialize prepares the store for use (creates directories or runs
	// the schema migration).
	Initialize(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error

	// Create persists a new job. The job must have a non-empty ID and Type;
	// status is forced to pending and ProcessedItems to zero.
	// Returns AlreadyExistsError if the ID is taken.
	Create(ctx context.Context, job *Job) error

	// Get retrieves a job by ID. Returns NotFoundError if absent.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, filter JobFilter) ([]*Job, error)

	// Update applies a partial update. Only non-nil fields of updates are
	// written. ProcessedItems regressions are clamped: a value lower than
	// the stored one leaves the stored one in place.
	Update(ctx context.Context, id string, updates JobUpdates) error

	// Transition atomically moves the job from one of the expected source
	// statuses to the target status. Returns ConflictError if the current
	// status is not in from, NotFoundError if the job is absent.
	Transition(ctx context.Context, id string, from []Status, to Status) error

	// MergeData shallow-merges partial into the job's data payload.
	// Existing keys not present in partial are preserved.
	MergeData(ctx context.Context, id string, partial map[string]any) error

	// AppendError pushes an entry onto the job's error log, dropping the
	// oldest entries beyond MaxErrorLogEntries.
	AppendError(ctx context.Context, id string, entry ErrorEntry) error

	// GarbageCollect removes leftover source files belonging to terminal
	// jobs (a crash between the terminal write and the unlink leaves them
	// behind). Job rows themselves are never deleted.
	GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error)
}
