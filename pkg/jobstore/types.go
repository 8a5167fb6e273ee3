package jobstore

import "time"

// Job is the durable record of one asynchronous unit of work.
//
// The same structure is stored by both backends (LocalStore writes it as a
// job.json document, SQLiteStore maps it onto the jobs table). A job row is
// an audit record: it is never hard-deleted by this package.
type Job struct {
	// ID is the unique identifier for the job (UUID v4).
	ID string `json:"id"`

	// Type identifies which handler processes the job.
	// Examples: "voter_import", "geocode_households", "upload_cleanup".
	Type string `json:"type"`

	// Status is the current lifecycle state. Transitions are restricted to
	// the state machine enforced by Store.Transition and the runner package.
	Status Status `json:"status"`

	// TotalItems is the total number of items this job will process.
	// Nil until the source has been fully streamed (the line count of a
	// multi-GB file is not known up front).
	TotalItems *int64 `json:"total_items,omitempty"`

	// ProcessedItems counts items processed so far. It never decreases
	// while the job is processing; the store clamps regressions.
	ProcessedItems int64 `json:"processed_items"`

	// Data is the opaque, job-type-specific payload: file path, format id,
	// filter criteria, resume cursor. It may be merged into (never replaced
	// wholesale) while the job is processing.
	Data map[string]any `json:"data,omitempty"`

	// OutputStats is the job-type-specific summary of what the run produced.
	OutputStats *OutputStats `json:"output_stats,omitempty"`

	// ErrorLog holds the most relevant errors encountered, capped at
	// MaxErrorLogEntries to bound storage.
	ErrorLog []ErrorEntry `json:"error_log,omitempty"`

	// CreatedBy references the actor that created the job. Immutable.
	CreatedBy string `json:"created_by"`

	// CreatedAt is when the job row was created (UTC).
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job first entered processing (UTC).
	// Zero value if it has never started.
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the job reached a terminal status (UTC).
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// UpdatedAt is when the row was last written (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxErrorLogEntries bounds the per-job error log. AppendError drops the
// oldest entries beyond this cap.
const MaxErrorLogEntries = 10

// ErrorEntry is one entry in a job's error log.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// OutputStats summarizes what a run produced.
//
// The fields below are the common subset every consumer relies on; per-type
// extras (geocode hit/miss counts and the like) go into Extra rather than
// widening the struct for every job type.
type OutputStats struct {
	RecordsCreated int64 `json:"records_created"`
	RecordsUpdated int64 `json:"records_updated"`
	RecordsSkipped int64 `json:"records_skipped"`
	ErrorCount     int64 `json:"error_count"`

	// BytesProcessed and FileSize drive the derived percent-complete for
	// file-backed jobs.
	BytesProcessed int64 `json:"bytes_processed,omitempty"`
	FileSize       int64 `json:"file_size,omitempty"`

	// PercentComplete is capped below 100 until the terminal update
	// explicitly sets it to 100.
	PercentComplete float64 `json:"percent_complete"`

	Extra map[string]any `json:"extra,omitempty"`
}

// JobFilter specifies criteria for filtering job listings.
type JobFilter struct {
	// Status filters by job status (empty = all statuses).
	Status Status

	// Type filters by job type (empty = all types).
	Type string

	// Limit is the maximum number of results to return (0 = no limit).
	Limit int
}

// JobUpdates specifies fields to update on a job.
//
// Only non-nil fields are applied (partial update). Use pointers to
// distinguish zero values from "not set".
type JobUpdates struct {
	Status         *Status      `json:"status,omitempty"`
	TotalItems     *int64       `json:"total_items,omitempty"`
	ProcessedItems *int64       `json:"processed_items,omitempty"`
	OutputStats    *OutputStats `json:"output_stats,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// Status represents a job lifecycle state.
type Status string

// Valid job statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the Status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaused,
		StatusCancelled, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status admits no further transitions.
// Paused is not terminal: a paused job can re-enter processing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Well-known Data payload keys shared between the job creators and the
// import processor.
const (
	DataKeyFilePath   = "file_path"
	DataKeyFormat     = "format"
	DataKeyImportType = "import_type"
	DataKeyResumeFrom = "resume_from_processed"
)
