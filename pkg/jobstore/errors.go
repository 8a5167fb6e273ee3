package jobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store implementations.
var (
	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("job store is closed")
)

// NotFoundError indicates that a requested job does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %q not found", e.ID)
}

// NewNotFoundError creates a NotFoundError for the given job ID.
func NewNotFoundError(id string) *NotFoundError {
	return &NotFoundError{ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// AlreadyExistsError indicates a job with the same ID already exists.
type AlreadyExistsError struct {
	ID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("job %q already exists", e.ID)
}

// NewAlreadyExistsError creates an AlreadyExistsError for the given job ID.
func NewAlreadyExistsError(id string) *AlreadyExistsError {
	return &AlreadyExistsError{ID: id}
}

// ConflictError indicates a Transition was rejected because the job's
// current status was not among the expected source states. This is the
// error the runner turns into its single-flight no-op.
type ConflictError struct {
	ID      string
	Current Status
	Wanted  Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %q is %s, cannot transition to %s", e.ID, e.Current, e.Wanted)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// InvalidInputError indicates a malformed argument.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewInvalidInputError creates an InvalidInputError.
func NewInvalidInputError(field, reason string) *InvalidInputError {
	return &InvalidInputError{Field: field, Reason: reason}
}
