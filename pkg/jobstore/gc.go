package jobstore

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cast"
)

// GCOptions defines options for source-file garbage collection.
type GCOptions struct {
	// DryRun reports what would be removed without unlinking anything.
	DryRun bool

	// Types restricts collection to the given job types. Empty = all types.
	Types []string
}

// GCResult contains the results of a garbage collection pass.
type GCResult struct {
	// FilesRemoved is the number of source files removed.
	FilesRemoved int

	// RemovedPaths lists the removed (or, under DryRun, removable) files.
	RemovedPaths []string

	// Errors contains errors encountered for individual files.
	// GC continues past them.
	Errors []error
}

// GarbageCollect removes leftover source files for terminal jobs.
func (s *LocalStore) GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error) {
	return collectSourceFiles(ctx, s, opts)
}

// GarbageCollect removes leftover source files for terminal jobs.
func (s *SQLiteStore) GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error) {
	return collectSourceFiles(ctx, s, opts)
}

// collectSourceFiles scans all terminal jobs and unlinks any source file
// still on disk. The processor normally deletes the file when it records the
// terminal status; this pass covers a crash landing between those two
// writes. Paused jobs are skipped: a paused job expects to resume from the
// same file.
func collectSourceFiles(ctx context.Context, s Store, opts GCOptions) (*GCResult, error) {
	jobs, err := s.List(ctx, JobFilter{})
	if err != nil {
		return nil, fmt.Errorf("list jobs for gc: %w", err)
	}

	result := &GCResult{
		RemovedPaths: make([]string, 0),
		Errors:       make([]error, 0),
	}

	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, job.Type) {
			continue
		}
		path := cast.ToString(job.Data[DataKeyFilePath])
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if opts.DryRun {
			result.FilesRemoved++
			result.RemovedPaths = append(result.RemovedPaths, path)
			continue
		}
		if err := os.Remove(path); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		result.FilesRemoved++
		result.RemovedPaths = append(result.RemovedPaths, path)
	}

	return result, nil
}
