package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rollcall/rollcall/pkg/config"
	"github.com/rollcall/rollcall/pkg/importer"
	"github.com/rollcall/rollcall/pkg/jobstore"
	"github.com/rollcall/rollcall/pkg/runner"
	"github.com/rollcall/rollcall/pkg/worker"
)

// NewImportCommand builds the 'import' command: stage a source file into
// the workspace, create the job row, and enqueue it for the worker.
func NewImportCommand(getConfig func() config.Config) *cobra.Command {
	var (
		format     string
		jobType    string
		mode       string
		createdBy  string
		keepSource bool
	)

	cmd := &cobra.Command{
		Use:     "import <file>",
		Short:   "Submit a record import job",
		GroupID: "jobs",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, getConfig(), importParams{
				sourcePath: args[0],
				format:     format,
				jobType:    jobType,
				mode:       mode,
				createdBy:  createdBy,
				keepSource: keepSource,
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "voterfile", "Source file format: "+formatList())
	cmd.Flags().StringVar(&jobType, "type", "voter_import", "Job type to create")
	cmd.Flags().StringVar(&mode, "mode", string(importer.ModeFull), "Import mode: full or incremental")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "Audit identity recorded on the job")
	cmd.Flags().BoolVar(&keepSource, "keep-source", false, "Leave the original file in place after staging")

	return cmd
}

type importParams struct {
	sourcePath string
	format     string
	jobType    string
	mode       string
	createdBy  string
	keepSource bool
}

func runImport(cmd *cobra.Command, cfg config.Config, params importParams) error {
	logger := log.With().Str("command", "import").Logger()

	if _, err := importer.Lookup(params.format); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize job store: %w", err)
	}
	defer store.Close()

	run := runner.New(store)
	job, err := run.CreateJob(ctx, params.jobType, params.createdBy, map[string]any{
		jobstore.DataKeyFormat:     params.format,
		jobstore.DataKeyImportType: params.mode,
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	// Stage the upload under the workspace so the worker owns its
	// lifetime; the path lands in the job payload.
	stagedPath, err := stageUpload(cfg.Storage.Workspace, job.ID, params.sourcePath)
	if err != nil {
		failErr := run.Fail(ctx, job.ID, fmt.Sprintf("staging upload failed: %v", err))
		if failErr != nil {
			logger.Warn().Err(failErr).Str("job_id", job.ID).Msg("could not record staging failure")
		}
		return fmt.Errorf("stage upload: %w", err)
	}
	if err := run.MergeData(ctx, job.ID, map[string]any{jobstore.DataKeyFilePath: stagedPath}); err != nil {
		return fmt.Errorf("record staged path: %w", err)
	}
	if !params.keepSource {
		if err := os.Remove(params.sourcePath); err != nil {
			logger.Warn().Err(err).Str("path", params.sourcePath).Msg("could not remove original file")
		}
	}

	if cfg.Broker.Enabled {
		src, err := worker.DialAMQP(cfg.Broker.URL, log.Logger)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer src.Close()
		task := worker.Task{
			JobID: job.ID,
			Type:  job.Type,
			Queue: worker.QueueForType(job.Type),
		}
		if err := src.Publish(ctx, task); err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
	}
	// Without a broker the pending job row is the queue entry itself.

	logger.Info().Str("job_id", job.ID).Str("type", job.Type).Str("file", stagedPath).Msg("import job submitted")
	fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	return nil
}

// stageUpload copies the source file into the per-job workspace directory.
func stageUpload(workspace, jobID, sourcePath string) (string, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir := filepath.Join(workspace, "uploads", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.Base(sourcePath))

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

func formatList() string {
	list := ""
	for i, f := range importer.Formats() {
		if i > 0 {
			list += ", "
		}
		list += f
	}
	return list
}
