package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single SQLite database.
//
// The opaque payload columns (data, output_stats, error_log) are stored as
// JSON text. MergeData and Transition run inside transactions so concurrent
// writers (the processor persisting a checkpoint, an admin flipping a
// status) cannot lose each other's writes.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	total_items     INTEGER,
	processed_items INTEGER NOT NULL DEFAULT 0,
	data            TEXT,
	output_stats    TEXT,
	error_log       TEXT,
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);
`

// NewSQLiteStore opens (or creates) the job database at path.
// WAL mode keeps the worker's progress writes from blocking admin reads.
// Transactions take the write lock at BEGIN so a losing Transition waits
// on the busy timeout instead of failing at COMMIT.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, NewInvalidInputError("path", "must not be empty")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Initialize creates the schema.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Create persists a new job with status pending.
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return NewInvalidInputError("ID", "job ID is required")
	}
	if job.Type == "" {
		return NewInvalidInputError("Type", "job type is required")
	}

	now := time.Now().UTC()
	job.Status = StatusPending
	job.ProcessedItems = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	data, err := marshalJSONColumn(job.Data)
	if err != nil {
		return err
	}
	stats, err := marshalJSONColumn(job.OutputStats)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, total_items, processed_items, data,
			output_stats, error_log, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, NULL, ?, ?, ?)`,
		job.ID, job.Type, string(job.Status), job.TotalItems, data, stats,
		job.CreatedBy, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return NewAlreadyExistsError(job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, total_items, processed_items, data,
			output_stats, error_log, created_by, created_at, started_at,
			completed_at, updated_at
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(id)
	}
	return job, err
}

// List returns jobs matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `
		SELECT id, type, status, total_items, processed_items, data,
			output_stats, error_log, created_by, created_at, started_at,
			completed_at, updated_at
		FROM jobs`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update applies a partial update inside a transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, updates JobUpdates) error {
	return s.withJobTx(ctx, id, func(job *Job) error {
		applyUpdates(job, updates)
		return nil
	})
}

// Transition atomically moves the job between statuses.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from []Status, to Status) error {
	return s.withJobTx(ctx, id, func(job *Job) error {
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
func (s *SQLiteStore) MergeData(ctx context.Context, id string, partial map[string]any) error {
	return s.withJobTx(ctx, id, func(job *Job) error {
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
func (s *SQLiteStore) AppendError(ctx context.Context, id string, entry ErrorEntry) error {
	return s.withJobTx(ctx, id, func(job *Job) error {
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

// withJobTx runs fn against the job row inside an immediate transaction,
// writing the row back if fn returns nil.
func (s *SQLiteStore) withJobTx(ctx context.Context, id string, fn func(*Job) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, type, status, total_items, processed_items, data,
			output_stats, error_log, created_by, created_at, started_at,
			completed_at, updated_at
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError(id)
	}
	if err != nil {
		return err
	}

	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()

	data, err := marshalJSONColumn(job.Data)
	if err != nil {
		return err
	}
	stats, err := marshalJSONColumn(job.OutputStats)
	if err != nil {
		return err
	}
	errLog, err := marshalJSONColumn(job.ErrorLog)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, total_items = ?, processed_items = ?,
			data = ?, output_stats = ?, error_log = ?, started_at = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status), job.TotalItems, job.ProcessedItems, data, stats,
		errLog, formatNullableTime(job.StartedAt), formatNullableTime(job.CompletedAt),
		formatTime(job.UpdatedAt), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return tx.Commit()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                    Job
		status                 string
		totalItems             sql.NullInt64
		data, stats, errLog    sql.NullString
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&job.ID, &job.Type, &status, &totalItems, &job.ProcessedItems,
		&data, &stats, &errLog, &job.CreatedBy, &createdAt, &startedAt,
		&completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if totalItems.Valid {
		job.TotalItems = &totalItems.Int64
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &job.Data); err != nil {
			return nil, fmt.Errorf("failed to parse data column: %w", err)
		}
	}
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &job.OutputStats); err != nil {
			return nil, fmt.Errorf("failed to parse output_stats column: %w", err)
		}
	}
	if errLog.Valid && errLog.String != "" {
		if err := json.Unmarshal([]byte(errLog.String), &job.ErrorLog); err != nil {
			return nil, fmt.Errorf("failed to parse error_log column: %w", err)
		}
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if startedAt.Valid && startedAt.String != "" {
		if job.StartedAt, err = parseTime(startedAt.String); err != nil {
			return nil, err
		}
	}
	if completedAt.Valid && completedAt.String != "" {
		if job.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

func marshalJSONColumn(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal column: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
