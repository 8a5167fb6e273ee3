package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// LocalStore implements Store using file-based storage.
//
// Storage layout:
//
//	{workspace}/
//	  jobs/
//	    {job-id}/
//	      job.json
//
// Thread-safety: every read and write of a job document happens under a
// per-document file lock, so concurrent processes (the worker and an admin
// CLI flipping a status) see consistent documents.
type LocalStore struct {
	root   string
	mu     sync.RWMutex
	closed bool
}

// NewLocalStore creates a file-based job store rooted at workspace.
func NewLocalStore(workspace string) (*LocalStore, error) {
	if workspace == "" {
		return nil, NewInvalidInputError("workspace", "must not be empty")
	}
	return &LocalStore{root: filepath.Join(workspace, "jobs")}, nil
}

// Initialize creates the jobs directory.
func (s *LocalStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}
	return nil
}

// Close marks the store closed. Idempotent.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Create persists a new job with status pending.
func (s *LocalStore) Create(ctx context.Context, job *Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if job.ID == "" {
		return NewInvalidInputError("ID", "job ID is required")
	}
	if job.Type == "" {
		return NewInvalidInputError("Type", "job type is required")
	}

	jobPath := s.jobPath(job.ID)
	if err := os.MkdirAll(s.jobDir(job.ID), 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	lock := flock.New(jobPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	// Existence check runs under the lock; racing Creates with the same
	// ID must not both win.
	if _, err := os.Stat(jobPath); err == nil {
		return NewAlreadyExistsError(job.ID)
	}

	now := time.Now().UTC()
	job.Status = StatusPending
	job.ProcessedItems = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	return s.writeJob(jobPath, job)
}

// Get retrieves a job by ID.
func (s *LocalStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	jobPath := s.jobPath(id)
	if _, err := os.Stat(jobPath); os.IsNotExist(err) {
		return nil, NewNotFoundError(id)
	}

	lock := flock.New(jobPath + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	return s.readJob(jobPath)
}

// List returns jobs matching the filter, newest first.
func (s *LocalStore) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return []*Job{}, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	var jobs []*Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := s.Get(ctx, entry.Name())
		if err != nil {
			// Skip unreadable documents rather than failing the listing.
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Update applies a partial update under the document lock.
func (s *LocalStore) Update(ctx context.Context, id string, updates JobUpdates) error {
	return s.withJob(id, func(job *Job) error {
		applyUpdates(job, updates)
		return nil
	})
}

// Transition atomically moves the job between statuses.
func (s *LocalStore) Transition(ctx context.Context, id string, from []Status, to Status) error {
	return s.withJob(id, func(job *Job) error {
		for _, f := range from {
			if job.Status == f {
				job.Status = to
				return nil
			}
		}
		return &ConflictError{ID: id, Current: job.Status, Wanted: to}
	})
}

// MergeData shallow-merges partial into the job's data payload.
func (s *LocalStore) MergeData(ctx context.Context, id string, partial map[string]any) error {
	return s.withJob(id, func(job *Job) error {
		if job.Data == nil {
			job.Data = make(map[string]any, len(partial))
		}
		for k, v := range partial {
			job.Data[k] = v
		}
		return nil
	})
}

// AppendError pushes an entry onto the error log, capped.
func (s *LocalStore) AppendError(ctx context.Context, id string, entry ErrorEntry) error {
	return s.withJob(id, func(job *Job) error {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		job.ErrorLog = append(job.ErrorLog, entry)
		if len(job.ErrorLog) > MaxErrorLogEntries {
			job.ErrorLog = job.ErrorLog[len(job.ErrorLog)-MaxErrorLogEntries:]
		}
		return nil
	})
}

// withJob runs fn against the job document under its write lock, persisting
// the document if fn returns nil.
func (s *LocalStore) withJob(id string, fn func(*Job) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	jobPath := s.jobPath(id)
	if _, err := os.Stat(jobPath); os.IsNotExist(err) {
		return NewNotFoundError(id)
	}

	lock := flock.New(jobPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	job, err := s.readJob(jobPath)
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	return s.writeJob(jobPath, job)
}

// applyUpdates merges a JobUpdates into a job in place. Shared with the
// SQLite implementation.
func applyUpdates(job *Job, updates JobUpdates) {
	if updates.Status != nil {
		job.Status = *updates.Status
	}
	if updates.TotalItems != nil {
		job.TotalItems = updates.TotalItems
	}
	if updates.ProcessedItems != nil && *updates.ProcessedItems > job.ProcessedItems {
		// Regressions are clamped: progress never moves backwards.
		job.ProcessedItems = *updates.ProcessedItems
	}
	if updates.OutputStats != nil {
		job.OutputStats = updates.OutputStats
	}
	if updates.StartedAt != nil {
		job.StartedAt = *updates.StartedAt
	}
	if updates.CompletedAt != nil {
		job.CompletedAt = *updates.CompletedAt
	}
}

func (s *LocalStore) readJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job document: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job document: %w", err)
	}
	return &job, nil
}

func (s *LocalStore) writeJob(path string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job document: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write job document: %w", err)
	}
	return nil
}

func (s *LocalStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *LocalStore) jobDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *LocalStore) jobPath(id string) string {
	return filepath.Join(s.jobDir(id), "job.json")
}
