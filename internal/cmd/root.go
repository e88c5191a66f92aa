package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"batchpress/internal/config"
	"batchpress/internal/domain"
	"batchpress/internal/tracing"
	"batchpress/internal/usecase"

	"github.com/spf13/cobra"
)

// Exit codes returned by Execute.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitStartup          = 2
	ExitPoolStuck        = 3
	ExitMalformedArchive = 4
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "batchpress [flags] <archive.tar.gz>",
	Short: "Compress every file of a tar.gz bundle with a pool of worker processes",
	Long: `batchpress unpacks a tar.gz bundle into the work directory and compresses
each file with a fixed pool of worker processes. One record per file is
written to the job record sink.

Examples:
  batchpress bundle.tar.gz
  batchpress -w 8 --timeout 2m bundle.tar.gz
  batchpress --transform-kind gzip --records-kind etcd bundle.tar.gz`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBatch,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "Config file (default: batchpress.yaml in . or ./configs)")
	f.IntP("workers", "w", 4, "Number of worker processes")
	f.Duration("timeout", 0, "Fatal wait for any worker result (default 30s)")
	f.String("work-dir", "", "Directory the archive is unpacked into (default source_files)")
	f.String("output-dir", "", "Directory compressed files are written to (default compressed_files)")
	f.String("output-suffix", "", "Suffix appended to output names (default .gz)")
	f.Int("max-consecutive-errors", 0, "Retire a worker after this many failures in a row (0 = never)")
	f.StringSlice("include", nil, "Only process names matching these globs")
	f.StringSlice("exclude", nil, "Skip names matching these globs")
	f.String("transform-kind", "", "Transformer: shell or gzip (default shell)")
	f.String("transform-command", "", `Shell command, $1 = input, $2 = output (default gzip -c -- "$1" > "$2")`)
	f.Int("transform-level", 6, "Compression level for the gzip transformer")
	f.String("records-kind", "", "Job record sink: file, etcd or none (default file)")
	f.String("records-path", "", "Job record file for the file sink (default compression.log)")
	f.String("worker-log", "", "Per-worker JSON lines log, appended by the workers")
	f.String("metrics-textfile", "", "Write Prometheus metrics to this file after the run")
	f.Bool("tracing", false, "Export OpenTelemetry spans")
	f.String("log-level", "", "Log level: debug, info, warn or error (default info)")

	bind := map[string]string{
		"workers":                "workers",
		"timeout":                "timeout",
		"work_dir":               "work-dir",
		"output_dir":             "output-dir",
		"output_suffix":          "output-suffix",
		"max_consecutive_errors": "max-consecutive-errors",
		"include":                "include",
		"exclude":                "exclude",
		"transform.kind":         "transform-kind",
		"transform.command":      "transform-command",
		"transform.level":        "transform-level",
		"records.kind":           "records-kind",
		"records.path":           "records-path",
		"worker_log":             "worker-log",
		"metrics.textfile":       "metrics-textfile",
		"tracing.enabled":        "tracing",
		"log_level":              "log-level",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "batchpress:", err)
		return ExitCode(err)
	}
	return ExitOK
}

// ExitCode maps a run error to the documented exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, domain.ErrStartup):
		return ExitStartup
	case errors.Is(err, domain.ErrReadinessTimeout), errors.Is(err, domain.ErrNoLiveWorkers):
		return ExitPoolStuck
	case errors.Is(err, domain.ErrMalformedArchive):
		return ExitMalformedArchive
	default:
		return ExitFailure
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		shutdown, err := startTracing(cfg.Tracing.File)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("failed to shut down tracer", "error", err)
			}
		}()
	}

	logger.Info("starting batch", "archive", args[0], "workers", cfg.Workers, "transform", cfg.Transform.Kind)
	summary, err := usecase.NewRunService(cfg, selfSpawner, logger).Run(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d files processed: %d succeeded, %d failed in %s\n",
		summary.Dispatched, summary.Succeeded, summary.Failed, summary.Duration.Round(time.Millisecond))
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// startTracing exports spans to path, or to stderr when path is empty.
func startTracing(path string) (func(context.Context) error, error) {
	if path == "" {
		return tracing.InitTracer("batchpress", os.Stderr)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	shutdown, err := tracing.InitTracer("batchpress", f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdown(ctx), f.Close())
	}, nil
}
