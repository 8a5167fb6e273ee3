package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Outcome classifies what an Upsert did with a record.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

// Record is one parsed row, keyed by its natural identifier (the voter
// registration number for county files).
type Record struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields"`
}

// RecordSink receives parsed records. Implementations decide what a record
// becomes (a voter row, a geocoding request). Upsert must be idempotent per
// key so a resumed import that re-sends a boundary row does no harm.
type RecordSink interface {
	Upsert(ctx context.Context, rec Record) (Outcome, error)
}

// KeyLister is implemented by sinks that can report whether a key is
// already stored. Incremental imports consult it to skip known rows.
type KeyLister interface {
	HasKey(key string) bool
}

// JSONLSink appends records to a JSONL file, one JSON object per line, and
// reports created for first-seen keys and updated for repeats. Keys already
// present in the file when the sink opens count as stored, so incremental
// imports against an existing output skip them.
type JSONLSink struct {
	path string

	mu   sync.Mutex
	file *os.File
	seen map[string]bool
}

// NewJSONLSink creates a sink writing to path, loading the key set from
// any records already in the file.
func NewJSONLSink(path string) (*JSONLSink, error) {
	seen, err := loadStoredKeys(path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record sink: %w", err)
	}
	return &JSONLSink{
		path: path,
		file: file,
		seen: seen,
	}, nil
}

func loadStoredKeys(path string) (map[string]bool, error) {
	seen := make(map[string]bool)
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open existing records: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Key != "" {
			seen[rec.Key] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan existing records: %w", err)
	}
	return seen, nil
}

// Upsert appends the record and classifies it by key novelty.
func (s *JSONLSink) Upsert(ctx context.Context, rec Record) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to append record: %w", err)
	}

	if s.seen[rec.Key] {
		return OutcomeUpdated, nil
	}
	s.seen[rec.Key] = true
	return OutcomeCreated, nil
}

// HasKey reports whether the key has been stored, by this pass or a
// previous one.
func (s *JSONLSink) HasKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[key]
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
