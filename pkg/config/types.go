package config

import "time"

// Config is the root configuration for the rollcall service.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Storage StorageConfig `koanf:"storage"`
	Worker  WorkerConfig  `koanf:"worker"`
	Broker  BrokerConfig  `koanf:"broker"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig controls logging behavior.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
	File   string `koanf:"file"`   // empty means stderr
}

// StorageConfig selects and parameterizes the job record store.
type StorageConfig struct {
	// Backend is "local" (one JSON document per job under the workspace)
	// or "sqlite" (single jobs table).
	Backend string `koanf:"backend"`

	// Workspace is the root directory for job documents, locks, and
	// uploaded source files.
	Workspace string `koanf:"workspace"`

	// SQLitePath is the database file for the sqlite backend. Empty
	// defaults to <workspace>/rollcall.db.
	SQLitePath string `koanf:"sqlite_path"`
}

// WorkerConfig parameterizes the dispatcher pool.
type WorkerConfig struct {
	// ImportConcurrency is the consumer count for the imports queue.
	// Record imports contend on shared sinks, so the default is 1.
	ImportConcurrency int `koanf:"import_concurrency"`

	// MaintenanceConcurrency is the consumer count for the maintenance
	// queue.
	MaintenanceConcurrency int `koanf:"maintenance_concurrency"`

	// PollInterval is how often the store-backed source checks for
	// pending jobs when idle.
	PollInterval time.Duration `koanf:"poll_interval"`

	// StaleAfter is the watchdog window: a processing job with no
	// progress write for this long is failed. Zero disables the watchdog.
	StaleAfter time.Duration `koanf:"stale_after"`

	// CheckpointRows is how many rows an import processes between
	// progress checkpoints.
	CheckpointRows int `koanf:"checkpoint_rows"`

	// CleanupInterval is how often the worker enqueues a recurring
	// upload_cleanup job. Zero disables the schedule.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// BrokerConfig enables task delivery over RabbitMQ instead of store
// polling.
type BrokerConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}
