package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"batchpress/internal/config"
	"batchpress/internal/domain"
	"batchpress/internal/infra/file"
	"batchpress/internal/infra/gzip"
	"batchpress/internal/infra/shell"
	"batchpress/internal/worker"
)

// WorkerSettings is everything a worker process needs from the run.
type WorkerSettings struct {
	RunID        string
	SourceDir    string
	OutputDir    string
	OutputSuffix string
	Transform    config.TransformConfig
	WorkerLog    string
	LogLevel     string
}

// NewTransformer builds the transformer selected by cfg.Kind.
func NewTransformer(cfg config.TransformConfig, logger *slog.Logger) (domain.Transformer, error) {
	switch cfg.Kind {
	case "", "shell":
		return shell.NewShellTransformer(cfg.Command, cfg.Timeout, logger), nil
	case "gzip":
		return gzip.NewGzipTransformer(cfg.Level)
	default:
		return nil, fmt.Errorf("unknown transform kind %q", cfg.Kind)
	}
}

// ServeWorker runs the worker loop of pool member id until the dispatcher
// sends the shutdown sentinel or closes the job stream.
func ServeWorker(ctx context.Context, id int, settings WorkerSettings, jobs io.Reader, results io.Writer, logger *slog.Logger) error {
	transformer, err := NewTransformer(settings.Transform, logger)
	if err != nil {
		return err
	}

	opts := worker.Options{
		ID:           id,
		RunID:        settings.RunID,
		SourceDir:    settings.SourceDir,
		OutputDir:    settings.OutputDir,
		OutputSuffix: settings.OutputSuffix,
	}
	if settings.WorkerLog != "" {
		local, err := file.NewFileRecordSink(settings.WorkerLog)
		if err != nil {
			return err
		}
		defer local.Close()
		opts.Log = local
	}

	return worker.NewUnit(opts, transformer, logger).Run(ctx, jobs, results)
}
