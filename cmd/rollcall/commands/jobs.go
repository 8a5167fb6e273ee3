package commands

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rollcall/rollcall/pkg/config"
	"github.com/rollcall/rollcall/pkg/jobstore"
	"github.com/rollcall/rollcall/pkg/runner"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("105")). // Purple
			Bold(true)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")). // Red
			Bold(true)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // Cyan

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))
)

// NewJobsCommand builds the 'jobs' command group for inspecting and
// controlling job records.
func NewJobsCommand(getConfig func() config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Short:   "Inspect and control jobs",
		GroupID: "jobs",
	}

	cmd.AddCommand(newJobsListCommand(getConfig))
	cmd.AddCommand(newJobsShowCommand(getConfig))
	cmd.AddCommand(newJobsSignalCommand(getConfig, "pause", "Pause a running job at its next checkpoint"))
	cmd.AddCommand(newJobsSignalCommand(getConfig, "resume", "Requeue a paused job"))
	cmd.AddCommand(newJobsSignalCommand(getConfig, "cancel", "Cancel a job"))
	cmd.AddCommand(newJobsGCCommand(getConfig))

	return cmd
}

// withStore opens and initializes the store, runs fn, and closes it.
func withStore(cmd *cobra.Command, cfg config.Config, fn func(store jobstore.Store) error) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Initialize(cmd.Context()); err != nil {
		return fmt.Errorf("initialize job store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newJobsListCommand(getConfig func() config.Config) *cobra.Command {
	var (
		statusFlag string
		typeFlag   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, getConfig(), func(store jobstore.Store) error {
				filter := jobstore.JobFilter{Type: typeFlag, Limit: limit}
				if statusFlag != "" {
					status := jobstore.Status(statusFlag)
					if !status.IsValid() {
						return jobstore.NewInvalidInputError("status", "unknown status "+statusFlag)
					}
					filter.Status = status
				}

				jobs, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				printJobTable(cmd, jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status")
	cmd.Flags().StringVar(&typeFlag, "type", "", "Filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to show (0 for all)")
	return cmd
}

func printJobTable(cmd *cobra.Command, jobs []*jobstore.Job) {
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no jobs"))
		return
	}

	header := fmt.Sprintf("%-36s  %-20s  %-10s  %12s  %8s  %s",
		"ID", "TYPE", "STATUS", "PROCESSED", "PERCENT", "UPDATED")
	fmt.Fprintln(out, headerStyle.Render(header))

	for _, job := range jobs {
		percent := "-"
		if job.OutputStats != nil {
			percent = fmt.Sprintf("%.0f%%", job.OutputStats.PercentComplete)
		}
		processed := fmt.Sprintf("%d", job.ProcessedItems)
		if job.TotalItems != nil {
			processed = fmt.Sprintf("%d/%d", job.ProcessedItems, *job.TotalItems)
		}
		row := fmt.Sprintf("%-36s  %-20s  %-10s  %12s  %8s  %s",
			job.ID, job.Type, job.Status, processed, percent,
			job.UpdatedAt.Local().Format(time.DateTime))
		fmt.Fprintln(out, statusStyle(job.Status).Render(row))
	}
}

func statusStyle(status jobstore.Status) lipgloss.Style {
	switch status {
	case jobstore.StatusCompleted:
		return completedStyle
	case jobstore.StatusFailed, jobstore.StatusCancelled:
		return failedStyle
	case jobstore.StatusProcessing:
		return runningStyle
	case jobstore.StatusPaused:
		return pausedStyle
	default:
		return dimStyle
	}
}

func newJobsShowCommand(getConfig func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, getConfig(), func(store jobstore.Store) error {
				job, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJobDetail(cmd, job)
				return nil
			})
		},
	}
}

func printJobDetail(cmd *cobra.Command, job *jobstore.Job) {
	out := cmd.OutOrStdout()
	field := func(name, value string) {
		fmt.Fprintf(out, "%s %s\n", dimStyle.Render(fmt.Sprintf("%-16s", name)), value)
	}

	fmt.Fprintln(out, headerStyle.Render("Job "+job.ID))
	field("Type", job.Type)
	field("Status", statusStyle(job.Status).Render(string(job.Status)))
	field("Created by", job.CreatedBy)
	field("Created", job.CreatedAt.Local().Format(time.DateTime))
	if !job.StartedAt.IsZero() {
		field("Started", job.StartedAt.Local().Format(time.DateTime))
	}
	if !job.CompletedAt.IsZero() {
		field("Finished", job.CompletedAt.Local().Format(time.DateTime))
	}

	processed := fmt.Sprintf("%d", job.ProcessedItems)
	if job.TotalItems != nil {
		processed = fmt.Sprintf("%d of %d", job.ProcessedItems, *job.TotalItems)
	}
	field("Processed", processed)

	if stats := job.OutputStats; stats != nil {
		field("Percent", fmt.Sprintf("%.1f%%", stats.PercentComplete))
		field("Created/Updated", fmt.Sprintf("%d / %d", stats.RecordsCreated, stats.RecordsUpdated))
		field("Skipped", fmt.Sprintf("%d", stats.RecordsSkipped))
		field("Row errors", fmt.Sprintf("%d", stats.ErrorCount))
		if stats.FileSize > 0 {
			field("Bytes", fmt.Sprintf("%d of %d", stats.BytesProcessed, stats.FileSize))
		}
	}

	if len(job.Data) > 0 {
		fmt.Fprintln(out, headerStyle.Render("Data"))
		for key, value := range job.Data {
			field(key, fmt.Sprintf("%v", value))
		}
	}

	if len(job.ErrorLog) > 0 {
		fmt.Fprintln(out, headerStyle.Render("Errors"))
		for _, entry := range job.ErrorLog {
			line := fmt.Sprintf("%s  %s", entry.Timestamp.Local().Format(time.DateTime), entry.Message)
			if entry.Details != "" {
				line += " (" + entry.Details + ")"
			}
			fmt.Fprintln(out, failedStyle.Render("  "+line))
		}
	}
}

func newJobsSignalCommand(getConfig func() config.Config, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, getConfig(), func(store jobstore.Store) error {
				run := runner.New(store)
				id := args[0]

				var err error
				var past string
				switch verb {
				case "pause":
					err = run.Pause(cmd.Context(), id)
					past = "paused"
				case "resume":
					err = run.Resume(cmd.Context(), id)
					past = "resumed"
				case "cancel":
					err = run.Cancel(cmd.Context(), id)
					past = "cancelled"
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, past)
				return nil
			})
		},
	}
}

func newJobsGCCommand(getConfig func() config.Config) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove leftover source files from finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, getConfig(), func(store jobstore.Store) error {
				result, err := store.GarbageCollect(cmd.Context(), jobstore.GCOptions{DryRun: dryRun})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, path := range result.RemovedPaths {
					fmt.Fprintln(out, dimStyle.Render(path))
				}
				verb := "removed"
				if dryRun {
					verb = "would remove"
				}
				fmt.Fprintf(out, "%s %d file(s)\n", verb, result.FilesRemoved)
				for _, e := range result.Errors {
					fmt.Fprintln(out, failedStyle.Render(e.Error()))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without deleting")
	return cmd
}
