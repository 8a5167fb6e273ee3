package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rollcall/rollcall/pkg/config"
	"github.com/rollcall/rollcall/pkg/jobstore"
)

const cliExecutable = "rollcall"

// NewCommand constructs the top-level rollcall CLI command, wiring global
// flags, config loading, and logging setup shared by every subcommand.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		verbosityCount int
		verbose        bool
		manager        *config.Manager
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Rollcall runs and inspects asynchronous import jobs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			manager = config.NewManager()
			if err := manager.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := manager.Get()

			setupLogging(cfg.Log)

			// Configure global log level based on verbosity flags
			// If explicit --verbose is set, show debug and above
			// Else use -v count: 0=>level from config, 1=>Info, 2+=>Debug
			if verbose || cfg.Log.Level == "debug" {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				switch {
				case verbosityCount == 1:
					zerolog.SetGlobalLevel(zerolog.InfoLevel)
				case verbosityCount >= 2:
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				default:
					zerolog.SetGlobalLevel(levelFromString(cfg.Log.Level))
				}
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	config.BindFlags(cmd.PersistentFlags())

	getConfig := func() config.Config { return manager.Get() }

	cmd.AddGroup(&cobra.Group{ID: "jobs", Title: "Job Commands"})
	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands"})

	cmd.AddCommand(NewWorkerCommand(getConfig))
	cmd.AddCommand(NewImportCommand(getConfig))
	cmd.AddCommand(NewJobsCommand(getConfig))

	return cmd
}

func levelFromString(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func setupLogging(cfg config.LogConfig) {
	var out *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			out = f
		}
	}
	if out == nil {
		out = os.Stderr
	}

	if cfg.Format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.Kitchen,
	}).With().Timestamp().Logger()
}

// openStore builds the configured job record store. The caller owns
// Initialize and Close.
func openStore(cfg config.Config) (jobstore.Store, error) {
	switch cfg.Storage.Backend {
	case "", "local":
		return jobstore.NewLocalStore(cfg.Storage.Workspace)
	case "sqlite":
		path := cfg.Storage.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Storage.Workspace, "rollcall.db")
		}
		return jobstore.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
