// internal/worker/unit.go
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"batchpress/internal/domain"
	"batchpress/internal/wire"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Unit.
type Options struct {
	ID           int
	RunID        string
	SourceDir    string
	OutputDir    string
	OutputSuffix string
	// Log receives a worker-local record per job. Nil disables it.
	Log domain.JobRecordSink
}

// Unit is the worker side of the pool: it reads one job at a time from the
// job stream, transforms the file and reports a result token.
type Unit struct {
	opts        Options
	transformer domain.Transformer
	pid         int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewUnit creates a worker loop around transformer.
func NewUnit(opts Options, transformer domain.Transformer, logger *slog.Logger) *Unit {
	return &Unit{
		opts:        opts,
		transformer: transformer,
		pid:         os.Getpid(),
		logger:      logger.With("component", "worker", "worker_id", opts.ID),
		tracer:      otel.Tracer("batchpress-worker"),
	}
}

// Run serves jobs until the shutdown sentinel or the end of the job stream.
// Both are a clean exit. A malformed frame or a failed result write is returned.
func (u *Unit) Run(ctx context.Context, jobs io.Reader, results io.Writer) error {
	r := bufio.NewReader(jobs)
	processed := 0
	for {
		name, shutdown, err := wire.ReadJob(r)
		if errors.Is(err, io.EOF) {
			u.logger.Info("job stream closed, exiting", "processed", processed)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read job: %w", err)
		}
		if shutdown {
			u.logger.Info("shutdown received, exiting", "processed", processed)
			return nil
		}

		ok := u.runJob(ctx, name)
		processed++
		if err := wire.WriteResult(results, ok); err != nil {
			return fmt.Errorf("write result for %s: %w", name, err)
		}
	}
}

// runJob transforms one file and reports whether it succeeded.
func (u *Unit) runJob(ctx context.Context, name string) bool {
	ctx, span := u.tracer.Start(ctx, "worker.runJob",
		trace.WithAttributes(attribute.String("file.name", name), attribute.Int("worker.id", u.opts.ID)))
	defer span.End()

	logger := u.logger.With("file", name)
	job := &domain.Job{
		RunID:     u.opts.RunID,
		Filename:  name,
		WorkerID:  u.opts.ID,
		WorkerPID: u.pid,
		StartTime: time.Now(),
	}

	var execErr error
	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("panic: %v", r)
			logger.Error("transform panicked", "panic", r)
		}
		if execErr != nil {
			job.Finish(domain.OutcomeError, execErr.Error(), time.Now())
			span.SetStatus(codes.Error, "transform failed")
			span.RecordError(execErr)
		} else {
			job.Finish(domain.OutcomeSuccess, "", time.Now())
			span.SetStatus(codes.Ok, "transform succeeded")
		}
		u.writeLocalRecord(ctx, job)
	}()

	input, output, err := u.paths(name)
	if err != nil {
		execErr = err
		logger.Warn("rejected job", "error", err)
		return false
	}
	if info, err := os.Stat(input); err == nil {
		job.InputSize = info.Size()
	}

	logger.Debug("transforming file")
	if execErr = u.transformer.Transform(ctx, input, output); execErr != nil {
		logger.Warn("transform failed", "error", execErr)
		return false
	}
	if info, err := os.Stat(output); err == nil {
		job.OutputSize = info.Size()
	}
	return true
}

func (u *Unit) paths(name string) (input, output string, err error) {
	if name == "." || name == ".." || strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return "", "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(u.opts.SourceDir, name), filepath.Join(u.opts.OutputDir, name+u.opts.OutputSuffix), nil
}

func (u *Unit) writeLocalRecord(ctx context.Context, job *domain.Job) {
	if u.opts.Log == nil {
		return
	}
	if err := u.opts.Log.Record(ctx, domain.NewJobRecord(uuid.NewString(), job)); err != nil {
		u.logger.Warn("failed to append worker-local record", "file", job.Filename, "error", err)
	}
}
