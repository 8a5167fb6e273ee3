// Package importer defines the pluggable file parser consumed by the import
// processor, plus a registry mapping format identifiers to parser factories.
//
// The core treats an importer strictly as a capability: given a file path, a
// resume offset and a progress callback, stream-parse and return final
// counts. The file grammar (tab-delimited county voter files, plain CSV) is
// entirely the importer's business.
package importer

import (
	"context"
	"fmt"
)

// Mode selects how an import treats existing records.
type Mode string

const (
	// ModeFull replaces the electorate: every row is upserted.
	ModeFull Mode = "full"

	// ModeIncremental only applies rows whose key is not already stored;
	// rows for known keys are counted as skipped without a sink call.
	// Requires a sink implementing KeyLister; otherwise behaves like full.
	ModeIncremental Mode = "incremental"
)

// Progress is one progress tick reported by an importer.
type Progress struct {
	// Processed is the number of rows processed so far, including rows
	// skipped by the resume cursor.
	Processed int64

	// Total is the total row count, known only once the stream has ended.
	Total *int64

	// BytesProcessed is the number of source-file bytes consumed.
	BytesProcessed int64

	// Errors is the number of row-level errors so far.
	Errors int64
}

// ProgressFunc receives periodic progress ticks. Returning a non-nil error
// aborts the stream; the importer surfaces that exact error to its caller
// unchanged, so a typed interruption raised inside the callback unwinds out
// of the parse without being reclassified.
type ProgressFunc func(Progress) error

// Options configures one import pass.
type Options struct {
	// FilePath is the source file to stream.
	FilePath string

	// Mode selects full or incremental behavior.
	Mode Mode

	// ResumeFrom is the number of rows already processed by a previous
	// pass. The importer skips that many rows without re-emitting sink
	// calls for them, so resuming never recreates already-created records.
	ResumeFrom int64

	// CheckpointRows is how often (in rows) Progress is invoked.
	// Zero means DefaultCheckpointRows.
	CheckpointRows int

	// Progress receives periodic ticks. May be nil.
	Progress ProgressFunc

	// Sink receives parsed records.
	Sink RecordSink
}

// DefaultCheckpointRows is the default progress callback interval.
const DefaultCheckpointRows = 100

// RowError records a single malformed row. The import continues past it.
type RowError struct {
	Row     int64  `json:"row"`
	Message string `json:"message"`
}

// Result is the final count set from one import pass. Counts cover only
// this pass; the processor accumulates across resumed attempts.
type Result struct {
	Processed      int64
	Created        int64
	Updated        int64
	Skipped        int64
	Errors         int64
	BytesProcessed int64
	FileSize       int64
	RowErrors      []RowError
}

// Importer stream-parses one source file.
type Importer interface {
	Import(ctx context.Context, opts Options) (*Result, error)
}

// Factory creates an Importer instance.
type Factory func() Importer

var formatRegistry = make(map[string]Factory)

// Register adds an importer factory for a format identifier. The format
// string is what job payloads carry in their "format" field.
func Register(format string, factory Factory) {
	formatRegistry[format] = factory
}

// UnknownFormatError reports a format with no registered importer. This is
// fatal and non-retryable: the processor fails the job immediately.
type UnknownFormatError struct {
	Format string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("unsupported import format %q", e.Format)
}

// Lookup resolves a format identifier to a fresh importer instance.
func Lookup(format string) (Importer, error) {
	factory, ok := formatRegistry[format]
	if !ok {
		return nil, &UnknownFormatError{Format: format}
	}
	return factory(), nil
}

// Formats returns the registered format identifiers.
func Formats() []string {
	formats := make([]string, 0, len(formatRegistry))
	for f := range formatRegistry {
		formats = append(formats, f)
	}
	return formats
}
