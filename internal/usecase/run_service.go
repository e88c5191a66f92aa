package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"batchpress/internal/archive"
	"batchpress/internal/config"
	"batchpress/internal/domain"
	"batchpress/internal/infra/etcd"
	"batchpress/internal/infra/file"
	"batchpress/internal/master"
	"batchpress/internal/metrics"
	"batchpress/internal/source"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const dirPerm = 0o755

// SpawnerFactory builds the spawner for a run. Every worker it starts must
// serve with settings.
type SpawnerFactory func(settings WorkerSettings) (master.Spawner, error)

// RunService runs one batch: unpack the archive, compress every file through
// the worker pool and persist a record per file.
type RunService struct {
	cfg        *config.Config
	newSpawner SpawnerFactory
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRunService creates a new RunService instance.
func NewRunService(cfg *config.Config, newSpawner SpawnerFactory, logger *slog.Logger) *RunService {
	return &RunService{
		cfg:        cfg,
		newSpawner: newSpawner,
		logger:     logger.With("component", "run-service"),
		tracer:     otel.Tracer("batchpress-usecase"),
	}
}

// Run processes archivePath. Failed files do not fail the run; the returned
// error is reserved for conditions that stop the whole batch.
func (s *RunService) Run(ctx context.Context, archivePath string) (summary *master.Summary, err error) {
	runID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "service.Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("archive", archivePath),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		}
		span.End()
	}()
	logger := s.logger.With("run_id", runID)

	if err := archive.CheckAccess(archivePath); err != nil {
		return nil, err
	}
	if err := setupDirectories(s.cfg.WorkDir, s.cfg.OutputDir); err != nil {
		return nil, err
	}

	var client *clientv3.Client
	if s.cfg.Records.Kind == "etcd" || s.cfg.Etcd.RunLock {
		client, err = etcd.NewClient(ctx, s.cfg.Etcd.Endpoints, s.cfg.Etcd.Timeout)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		logger.Info("connected to etcd", "endpoints", s.cfg.Etcd.Endpoints)
	}

	if s.cfg.Etcd.RunLock {
		lock, err := s.lockOutputDir(ctx, client)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to release run lock", "error", err)
			}
		}()
	}

	if _, err := archive.Extract(ctx, archivePath, s.cfg.WorkDir, logger); err != nil {
		return nil, err
	}

	queue, err := source.Open(s.cfg.WorkDir, source.Options{
		MaxNameLength: s.cfg.MaxFilenameLength,
		Include:       s.cfg.Include,
		Exclude:       s.cfg.Exclude,
	}, logger)
	if err != nil {
		return nil, err
	}
	defer queue.Close()

	sink, err := s.openSink(client, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close record sink", "error", err)
		}
	}()

	spawner, err := s.newSpawner(WorkerSettings{
		RunID:        runID,
		SourceDir:    s.cfg.WorkDir,
		OutputDir:    s.cfg.OutputDir,
		OutputSuffix: s.cfg.OutputSuffix,
		Transform:    s.cfg.Transform,
		WorkerLog:    s.cfg.WorkerLog,
		LogLevel:     s.cfg.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStartup, err)
	}

	dispatcher := master.NewDispatcher(master.Config{
		Workers:              s.cfg.Workers,
		Timeout:              s.cfg.Timeout,
		MaxConsecutiveErrors: s.cfg.MaxConsecutiveErrors,
		RunID:                runID,
		OutputDir:            s.cfg.OutputDir,
		OutputSuffix:         s.cfg.OutputSuffix,
	}, spawner, sink, logger)

	summary, err = dispatcher.Run(ctx, queue)
	logger.Info("source enumeration finished", "observed", queue.Observed(), "skipped", queue.Skipped())

	if s.cfg.Metrics.Textfile != "" {
		if werr := metrics.WriteTextfile(s.cfg.Metrics.Textfile); werr != nil {
			logger.Warn("failed to write metrics", "error", werr)
		}
	}
	return summary, err
}

func (s *RunService) lockOutputDir(ctx context.Context, client *clientv3.Client) (domain.Lock, error) {
	name, err := filepath.Abs(s.cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	lock, err := etcd.NewEtcdLocker(client, s.cfg.Etcd.Prefix).Lock(ctx, name)
	if errors.Is(err, domain.ErrLockNotAcquired) {
		return nil, fmt.Errorf("another run is writing to %s: %w", name, err)
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (s *RunService) openSink(client *clientv3.Client, logger *slog.Logger) (domain.JobRecordSink, error) {
	switch s.cfg.Records.Kind {
	case "file":
		sink, err := file.NewFileRecordSink(s.cfg.Records.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("recording jobs to file", "path", s.cfg.Records.Path)
		return sink, nil
	case "etcd":
		// The client is closed by Run, not by the sink.
		return etcd.NewEtcdRecordSink(client, s.cfg.Etcd.Prefix, nil, logger), nil
	case "none":
		return domain.NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown record sink %q", s.cfg.Records.Kind)
	}
}

func setupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
