package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofetch/internal/config"
	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/internal/observability"
	"github.com/3leaps/gofetch/internal/service"
	"github.com/3leaps/gofetch/pkg/admission"
	"github.com/3leaps/gofetch/pkg/jobregistry"
	"github.com/3leaps/gofetch/pkg/output"
)

const fetchOwnerKey = "cli"

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download one URL without the server",
	Long: `Download a single URL through the same pipeline the server runs,
without starting the HTTP listener.

Lifecycle records are written as JSONL (one gofetch.<type>.v1 envelope
per line) to stdout or --output. Human status goes to stderr, so the
JSONL stream stays pipeable.

Examples:
  gofetch fetch https://example.com/watch?v=x
  gofetch fetch --kind audio --dest ~/Music https://example.com/watch?v=x
  gofetch fetch --output run.jsonl https://example.com/watch?v=x | jq .`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().String("kind", "video", "Output kind (audio or video)")
	fetchCmd.Flags().String("quality", "", "Video quality cap (best, 2160p, 1080p, 720p, 480p)")
	fetchCmd.Flags().String("preset", "", "Named preset from the preset file")
	fetchCmd.Flags().String("output", "", "Write JSONL records to this file instead of stdout")
	fetchCmd.Flags().String("dest", ".", "Directory to place the finished artifact in")
}

func runFetch(cmd *cobra.Command, args []string) error {
	url := args[0]
	kind, _ := cmd.Flags().GetString("kind")
	quality, _ := cmd.Flags().GetString("quality")
	preset, _ := cmd.Flags().GetString("preset")
	outputPath, _ := cmd.Flags().GetString("output")
	dest, _ := cmd.Flags().GetString("dest")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, map[string]any{"logging.profile": "cli"})
	if err != nil {
		return exitError(apperrors.ExitConfigError, "Failed to load configuration", err)
	}
	if err := observability.Init(observability.Config{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
	}); err != nil {
		return exitError(apperrors.ExitConfigError, "Failed to initialize logging", err)
	}
	defer observability.Sync()

	var sink io.Writer = os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return exitError(apperrors.ExitFileWriteError, "Failed to open output file", err)
		}
		defer f.Close()
		sink = f
	}

	svc, err := service.FromConfig(ctx, cfg, observability.Logger)
	if err != nil {
		return exitError(apperrors.ExitConfigError, "Failed to build service", err)
	}
	svc.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()

	job, err := svc.Submit(ctx, fetchOwnerKey, service.SubmitRequest{
		URL:     url,
		Kind:    kind,
		Quality: quality,
		Preset:  preset,
	})
	if err != nil {
		// No job exists yet, so mint a correlation ID for the error
		// record. Background context so the record is written even
		// when the submit died to an interrupt.
		w := output.NewJSONLWriter(sink, uuid.New().String(), "ytdlp")
		return writeSubmitFailure(context.Background(), w, err)
	}

	w := output.NewJSONLWriter(sink, job.JobID, "ytdlp")
	defer w.Close()

	_ = w.WriteJob(ctx, &output.JobRecord{
		URL:      job.URL,
		Kind:     job.Spec.Kind,
		Quality:  job.Spec.Quality,
		OwnerKey: job.OwnerKey,
	})

	events, unsubscribe, err := svc.Subscribe(job.JobID)
	if err != nil {
		return exitError(apperrors.ExitGeneralError, "Failed to subscribe to job events", err)
	}
	defer unsubscribe()

	observability.CLILogger.Info("fetching",
		zap.String("job_id", job.JobID),
		zap.String("url", job.URL),
		zap.String("kind", job.Spec.Kind))

	// Interrupt cancels the job once and keeps draining until the
	// terminal event arrives.
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			observability.CLILogger.Warn("interrupt received, cancelling job")
			_, _ = svc.Cancel(job.JobID)
		case ev, open := <-events:
			if !open {
				return finishFetch(w, svc, job.JobID, dest)
			}
			if ev.Terminal {
				return finishFetch(w, svc, job.JobID, dest)
			}
			_ = w.WriteProgress(context.Background(), &output.ProgressRecord{
				State:    string(ev.State),
				Fraction: ev.Fraction,
				Stage:    ev.Stage,
			})
		}
	}
}

// writeSubmitFailure emits an error record for a submit that never
// produced a job, then maps the failure to an exit code.
func writeSubmitFailure(ctx context.Context, w *output.JSONLWriter, err error) error {
	defer w.Close()

	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		_ = w.WriteError(ctx, &output.ErrorRecord{
			Code:    "unsupported",
			Message: verr.Message,
			Details: verr.Details,
		})
		return exitError(apperrors.ExitInvalidArgument, "Invalid fetch request", err)
	}
	if denied, ok := admission.AsDenied(err); ok {
		_ = w.WriteError(ctx, &output.ErrorRecord{
			Code:    string(denied.Reason),
			Message: denied.Error(),
		})
		return exitError(apperrors.ExitGeneralError, "Fetch request denied", err)
	}
	_ = w.WriteError(ctx, &output.ErrorRecord{
		Code:    "internal",
		Message: err.Error(),
	})
	return exitError(apperrors.ExitGeneralError, "Failed to submit fetch", err)
}

// finishFetch reads the terminal job record, saves the artifact on
// success, and emits the summary.
func finishFetch(w *output.JSONLWriter, svc *service.Service, jobID, dest string) error {
	// The stream delivered a terminal event, so this read only races
	// the sweeper.
	final, err := svc.Job(jobID)
	if err != nil {
		return exitError(apperrors.ExitGeneralError, "Job record gone before summary", err)
	}

	duration := time.Since(final.CreatedAt)
	if final.EndedAt != nil {
		duration = final.EndedAt.Sub(final.CreatedAt)
	}
	ctx := context.Background()

	switch final.State {
	case jobregistry.StateSucceeded:
		savedPath, size, err := saveArtifact(svc, jobID, dest)
		if err != nil {
			return exitError(apperrors.ExitFileWriteError, "Failed to save artifact", err)
		}
		_ = w.WriteSummary(ctx, &output.SummaryRecord{
			State:         string(final.State),
			Filename:      filepath.Base(savedPath),
			Size:          size,
			SizeHuman:     humanize.Bytes(uint64(size)),
			Duration:      duration,
			DurationHuman: duration.Round(time.Millisecond).String(),
		})
		observability.CLILogger.Info("saved",
			zap.String("file", savedPath),
			zap.String("size", humanize.Bytes(uint64(size))),
			zap.Duration("took", duration.Round(time.Millisecond)))
		return nil

	case jobregistry.StateCancelled:
		_ = w.WriteSummary(ctx, &output.SummaryRecord{
			State:         string(final.State),
			Duration:      duration,
			DurationHuman: duration.Round(time.Millisecond).String(),
		})
		return exitError(apperrors.ExitSignalInt, "Fetch cancelled", nil)

	default:
		code := jobregistry.ErrCodeInternal
		message := "job failed"
		if final.Error != nil {
			code = final.Error.Code
			message = final.Error.Message
		}
		_ = w.WriteError(ctx, &output.ErrorRecord{
			Code:    string(code),
			Message: message,
		})
		_ = w.WriteSummary(ctx, &output.SummaryRecord{
			State:         string(final.State),
			Duration:      duration,
			DurationHuman: duration.Round(time.Millisecond).String(),
		})
		return exitError(fetchExitCode(code), "Fetch failed", fmt.Errorf("%s: %s", code, message))
	}
}

// saveArtifact copies the job's artifact into dest and returns the
// final path and size.
func saveArtifact(svc *service.Service, jobID, dest string) (string, int64, error) {
	handle, err := svc.OpenArtifact(jobID)
	if err != nil {
		return "", 0, err
	}
	defer handle.File.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dest, handle.Job.Artifact.Filename)
	out, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(out, handle.File)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return path, size, nil
}

// fetchExitCode maps a terminal job error code to a process exit code.
func fetchExitCode(code jobregistry.ErrorCode) int {
	switch code {
	case jobregistry.ErrCodeNetwork, jobregistry.ErrCodeTimeout:
		return apperrors.ExitExternalServiceUnavailable
	case jobregistry.ErrCodeDisk:
		return apperrors.ExitFileWriteError
	case jobregistry.ErrCodeUnsupported:
		return apperrors.ExitInvalidArgument
	default:
		return apperrors.ExitGeneralError
	}
}
