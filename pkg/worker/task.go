// Package worker dispatches queued work to job handlers.
//
// A Pool owns a fixed set of consumer goroutines per queue category and is
// created and stopped by the process's composition root; there is no
// ambient global pool. Tasks carry the job ID itself, so resolving a task
// to its job row is a direct lookup, never a reverse search over recent
// rows.
package worker

import (
	"context"
	"errors"
	"fmt"
)

// Queue categories. Record imports are heavy streaming parses and run one
// at a time system-wide; maintenance jobs tolerate modest parallelism.
const (
	QueueImports     = "imports"
	QueueMaintenance = "maintenance"
)

// Task is the unit handed from a source to the pool. The payload is
// deliberately small: the job row is the source of truth, the task is only
// the pointer to it.
type Task struct {
	JobID string `json:"job_id"`
	Type  string `json:"type"`
	Queue string `json:"queue"`
}

// QueueForType maps a job type onto its queue category.
func QueueForType(jobType string) string {
	switch jobType {
	case "voter_import", "geocode_households":
		return QueueImports
	default:
		return QueueMaintenance
	}
}

// HandleFunc processes one delivered task. A nil return acknowledges the
// task; a non-nil return asks the source for redelivery, except for
// non-retryable dispatch errors (see UnknownJobError).
type HandleFunc func(ctx context.Context, task Task) error

// TaskSource delivers tasks for one queue until the context is cancelled.
type TaskSource interface {
	// Consume blocks, invoking handle for each task on the named queue.
	// It returns when ctx is cancelled or the source fails.
	Consume(ctx context.Context, queue string, handle HandleFunc) error

	// Close releases source resources.
	Close() error
}

// TaskPublisher enqueues tasks. The store-backed source needs no explicit
// publishing (pending job rows are the queue); the AMQP source does.
type TaskPublisher interface {
	Publish(ctx context.Context, task Task) error
}

// UnknownJobError reports a task whose job ID resolves to no job row. This
// is a fatal mismatch for that task: it is surfaced and dropped, never
// silently ignored and never redelivered.
type UnknownJobError struct {
	JobID string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("task references unknown job %q", e.JobID)
}

// NoHandlerError reports a job type with no registered handler.
type NoHandlerError struct {
	Type string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.Type)
}

// IsNonRetryable reports whether a dispatch error must not be redelivered.
func IsNonRetryable(err error) bool {
	var unknownJob *UnknownJobError
	var noHandler *NoHandlerError
	return errors.As(err, &unknownJob) || errors.As(err, &noHandler)
}
