// internal/master/dispatcher.go
package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"batchpress/internal/channel"
	"batchpress/internal/domain"
	"batchpress/internal/metrics"
	"batchpress/internal/source"
	"batchpress/internal/wire"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// DefaultPollSlice bounds a single poll(2) call so context cancellation is noticed.
const DefaultPollSlice = 500 * time.Millisecond

const errWorkerExited = "worker exited mid-job"

// Queue yields candidate files; io.EOF ends the run.
type Queue interface {
	Next() (source.Entry, error)
}

// Config holds the pool settings. It is not modified after NewDispatcher.
type Config struct {
	Workers int
	// Timeout is how long the loop waits for any worker to report before the
	// pool is declared stuck.
	Timeout time.Duration
	// MaxConsecutiveErrors retires a worker after that many failed jobs in a
	// row. Zero keeps failing workers in the pool.
	MaxConsecutiveErrors int
	RunID                string
	// OutputDir and OutputSuffix locate artifacts to size them in records.
	OutputDir    string
	OutputSuffix string
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Dispatched int
	Succeeded  int
	Failed     int
	Duration   time.Duration
}

// Dispatcher runs the single-threaded scheduling loop of the pool.
type Dispatcher struct {
	cfg       Config
	spawner   Spawner
	sink      domain.JobRecordSink
	registry  *Registry
	summary   Summary
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	pollSlice time.Duration
}

// NewDispatcher creates a dispatcher for a pool of cfg.Workers processes.
func NewDispatcher(cfg Config, spawner Spawner, sink domain.JobRecordSink, logger *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Dispatcher{
		cfg:       cfg,
		spawner:   spawner,
		sink:      sink,
		registry:  NewRegistry(max(cfg.Workers, 0)),
		summary:   Summary{RunID: cfg.RunID},
		logger:    logger.With("component", "dispatcher", "run_id", cfg.RunID),
		tracer:    otel.Tracer("batchpress-dispatcher"),
		now:       time.Now,
		pollSlice: DefaultPollSlice,
	}
}

// Registry exposes the worker table, for inspection only.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Run starts the pool, feeds it every entry of queue and shuts it down.
// Job failures are reported through the sink and never fail the run. A
// start-up failure, a readiness timeout or a pool with no live workers is
// returned as an error after every worker has been stopped and reaped.
func (d *Dispatcher) Run(ctx context.Context, queue Queue) (*Summary, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Run",
		trace.WithAttributes(
			attribute.String("run.id", d.cfg.RunID),
			attribute.Int("pool.size", d.cfg.Workers),
		))
	defer span.End()

	started := d.now()
	if err := d.start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pool start-up failed")
		return nil, err
	}
	d.logger.Info("worker pool started", "workers", d.cfg.Workers, "timeout", d.cfg.Timeout)

	err := d.dispatchAll(ctx, queue)
	if err == nil {
		err = d.drain(ctx)
	}
	if err != nil {
		d.logger.Error("aborting run", "error", err)
		d.abort(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
		d.summary.Duration = d.now().Sub(started)
		return &d.summary, err
	}

	d.shutdown()
	d.summary.Duration = d.now().Sub(started)
	span.SetAttributes(
		attribute.Int("jobs.dispatched", d.summary.Dispatched),
		attribute.Int("jobs.failed", d.summary.Failed),
	)
	d.logger.Info("run finished",
		"dispatched", d.summary.Dispatched,
		"succeeded", d.summary.Succeeded,
		"failed", d.summary.Failed,
		"duration", d.summary.Duration)
	return &d.summary, nil
}

// start creates every channel pair, then spawns every worker. Nothing is
// left running if any step fails.
func (d *Dispatcher) start() error {
	if d.cfg.Workers < 1 {
		return fmt.Errorf("%w: pool size must be at least 1, got %d", domain.ErrStartup, d.cfg.Workers)
	}

	pairs := make([]*channel.Pair, 0, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		p, err := channel.New()
		if err != nil {
			closePairs(pairs)
			return fmt.Errorf("%w: worker %d: %w", domain.ErrStartup, i, err)
		}
		pairs = append(pairs, p)
	}

	for i, p := range pairs {
		w := d.registry.Get(i)
		w.pair = p

		jobs, results := p.WorkerEnds()
		proc, err := d.spawner.Spawn(i, jobs, results)
		if err == nil {
			w.proc = proc
			w.PID = proc.Pid()
			err = p.Split(channel.RoleDispatcher)
		}
		if err != nil {
			d.killAll()
			d.reapAll()
			closePairs(pairs)
			return fmt.Errorf("%w: worker %d: %w", domain.ErrStartup, i, err)
		}
		w.resultFD = int(p.Results().Fd())
		w.LastActive = d.now()
		d.logger.Debug("worker started", "worker_id", i, "pid", w.PID)
	}
	d.publishWorkerGauges()
	return nil
}

func (d *Dispatcher) dispatchAll(ctx context.Context, queue Queue) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := queue.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("enumerate files: %w", err)
		}
		if err := d.assign(ctx, entry); err != nil {
			return err
		}
	}
}

// assign hands entry to the lowest idle worker, waiting for results while
// every live worker is busy.
func (d *Dispatcher) assign(ctx context.Context, entry source.Entry) error {
	for {
		if id, ok := d.registry.FindIdle(); ok {
			sent, err := d.send(ctx, d.registry.Get(id), entry)
			if err != nil || sent {
				return err
			}
			// The worker was gone before it got the job; try the next one.
			continue
		}
		if err := d.awaitReadiness(ctx); err != nil {
			return err
		}
	}
}

// send writes entry on the worker's job stream. It reports false when the
// stream is broken, in which case the worker is marked terminated.
func (d *Dispatcher) send(ctx context.Context, w *Worker, entry source.Entry) (bool, error) {
	if err := wire.WriteJob(w.pair.Jobs(), entry.Name); err != nil {
		if errors.Is(err, wire.ErrNameTooLong) || errors.Is(err, wire.ErrEmptyName) {
			return false, fmt.Errorf("cannot dispatch %q: %w", entry.Name, err)
		}
		d.logger.Warn("worker job stream broken", "worker_id", w.ID, "error", err)
		d.lost(ctx, w, err)
		return false, nil
	}

	now := d.now()
	w.job = &domain.Job{
		RunID:     d.cfg.RunID,
		Filename:  entry.Name,
		InputSize: entry.Size,
		WorkerID:  w.ID,
		WorkerPID: w.PID,
		StartTime: now,
	}
	_, w.span = d.tracer.Start(ctx, "dispatcher.Job",
		trace.WithAttributes(
			attribute.String("file.name", entry.Name),
			attribute.Int("worker.id", w.ID),
		))
	w.LastActive = now
	d.setStatus(w, domain.WorkerStatusBusy)
	d.summary.Dispatched++
	d.logger.Debug("assigned file", "file", entry.Name, "worker_id", w.ID)
	return true, nil
}

// drain waits until no job is in flight.
func (d *Dispatcher) drain(ctx context.Context) error {
	for d.registry.InFlight() > 0 {
		if err := d.awaitReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

// awaitReadiness blocks until at least one worker changes state: a result
// token is consumed or a worker is found to have exited. Every ready worker
// is handled before returning.
func (d *Dispatcher) awaitReadiness(ctx context.Context) error {
	deadline := d.now().Add(d.cfg.Timeout)
	for {
		live := d.registry.Live()
		if len(live) == 0 {
			return domain.ErrNoLiveWorkers
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := deadline.Sub(d.now())
		if remaining <= 0 {
			return fmt.Errorf("%w (%s)", domain.ErrReadinessTimeout, d.cfg.Timeout)
		}

		fds := make([]int, len(live))
		for i, w := range live {
			fds[i] = w.resultFD
		}
		ready, err := waitReadable(fds, min(remaining, d.pollSlice))
		if err != nil {
			return fmt.Errorf("wait for worker results: %w", err)
		}

		progressed := false
		for _, i := range ready {
			if d.collect(ctx, live[i]) {
				progressed = true
			}
		}
		if progressed {
			return nil
		}
	}
}

// collect reads what a ready worker has sent and applies every complete
// token. It reports whether the registry changed.
func (d *Dispatcher) collect(ctx context.Context, w *Worker) bool {
	buf := make([]byte, 256)
	n, err := readFD(w.resultFD, buf)
	if errors.Is(err, unix.EAGAIN) {
		return false
	}
	if err != nil {
		d.logger.Warn("failed to read worker results", "worker_id", w.ID, "error", err)
		d.lost(ctx, w, err)
		return true
	}
	if n == 0 {
		d.lost(ctx, w, nil)
		return true
	}

	_, _ = w.results.Write(buf[:n])
	progressed := false
	for {
		success, ok, err := w.results.Next()
		if err != nil {
			d.logger.Error("worker sent a malformed result, stopping it", "worker_id", w.ID, "error", err)
			_ = w.proc.Kill()
			d.lost(ctx, w, err)
			return true
		}
		if !ok {
			return progressed
		}
		if w.job == nil {
			d.logger.Warn("result token without a job in flight", "worker_id", w.ID)
			continue
		}
		d.complete(ctx, w, success)
		progressed = true
	}
}

// complete finalizes the worker's job from a result token.
func (d *Dispatcher) complete(ctx context.Context, w *Worker, success bool) {
	job := w.job
	now := d.now()
	w.Processed++
	w.LastActive = now

	if success {
		job.Finish(domain.OutcomeSuccess, "", now)
		job.OutputSize = d.outputSize(job.Filename)
		w.ConsecutiveErrors = 0
		d.setStatus(w, domain.WorkerStatusIdle)
	} else {
		job.Finish(domain.OutcomeError, "transform failed", now)
		w.ConsecutiveErrors++
		d.setStatus(w, domain.WorkerStatusError)
	}
	d.finish(ctx, w)

	if d.cfg.MaxConsecutiveErrors > 0 && w.ConsecutiveErrors >= d.cfg.MaxConsecutiveErrors {
		d.retire(w)
	}
}

// lost handles a worker whose result stream ended or broke. A job still in
// flight is recorded as failed.
func (d *Dispatcher) lost(ctx context.Context, w *Worker, cause error) {
	if w.job != nil {
		msg := errWorkerExited
		if cause != nil {
			msg = fmt.Sprintf("%s: %v", errWorkerExited, cause)
		}
		w.job.Finish(domain.OutcomeError, msg, d.now())
		d.finish(ctx, w)
		d.logger.Warn("worker exited with a job in flight", "worker_id", w.ID)
	} else if !w.retiring {
		d.logger.Warn("worker exited unexpectedly", "worker_id", w.ID)
	}
	_ = w.pair.CloseJobs()
	d.setStatus(w, domain.WorkerStatusTerminated)
}

// retire sends the sentinel to a worker outside of the final shutdown.
func (d *Dispatcher) retire(w *Worker) {
	d.logger.Warn("retiring worker after consecutive errors",
		"worker_id", w.ID, "consecutive_errors", w.ConsecutiveErrors)
	w.retiring = true
	if err := wire.WriteShutdown(w.pair.Jobs()); err != nil {
		d.logger.Debug("failed to send shutdown to retiring worker", "worker_id", w.ID, "error", err)
	}
	_ = w.pair.CloseJobs()
}

// finish emits the record of the worker's job and clears it.
func (d *Dispatcher) finish(ctx context.Context, w *Worker) {
	job := w.job
	w.job = nil

	if job.Outcome == domain.OutcomeSuccess {
		d.summary.Succeeded++
	} else {
		d.summary.Failed++
	}
	metrics.JobsTotal.WithLabelValues(string(job.Outcome)).Inc()
	metrics.JobDuration.Observe(job.Duration().Seconds())

	if w.span != nil {
		if job.Outcome == domain.OutcomeError {
			w.span.SetStatus(codes.Error, job.Error)
		}
		w.span.End()
		w.span = nil
	}

	record := domain.NewJobRecord(uuid.NewString(), job)
	if err := d.sink.Record(ctx, record); err != nil {
		metrics.RecordFailures.Inc()
		d.logger.Error("failed to persist job record", "file", job.Filename, "error", err)
	}
	d.logger.Info("job finished",
		"file", job.Filename,
		"worker_id", job.WorkerID,
		"status", job.Outcome,
		"duration", job.Duration())
}

// shutdown sends the sentinel to every live worker and reaps the whole pool.
func (d *Dispatcher) shutdown() {
	for _, w := range d.registry.Live() {
		if w.retiring {
			continue
		}
		if err := wire.WriteShutdown(w.pair.Jobs()); err != nil {
			d.logger.Debug("failed to send shutdown", "worker_id", w.ID, "error", err)
		}
		_ = w.pair.CloseJobs()
	}
	d.reapAll()
}

// abort stops every worker without waiting for in-flight jobs. Their jobs are
// recorded as failed.
func (d *Dispatcher) abort(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	for _, w := range d.registry.All() {
		if w.job != nil {
			w.job.Finish(domain.OutcomeError, fmt.Sprintf("aborted: %v", cause), d.now())
			d.finish(ctx, w)
		}
	}
	d.killAll()
	d.reapAll()
}

func (d *Dispatcher) killAll() {
	for _, w := range d.registry.All() {
		if w.pair != nil {
			_ = w.pair.CloseJobs()
		}
		if w.proc != nil && !w.reaped {
			_ = w.proc.Kill()
		}
	}
}

// reapAll waits for every worker process and releases its channel pair.
func (d *Dispatcher) reapAll() {
	for _, w := range d.registry.All() {
		if w.proc != nil && !w.reaped {
			if err := w.proc.Wait(); err != nil {
				d.logger.Debug("worker exited with error", "worker_id", w.ID, "pid", w.PID, "error", err)
			}
			w.reaped = true
		}
		if w.pair != nil {
			_ = w.pair.Close()
		}
		w.resultFD = -1
		d.setStatus(w, domain.WorkerStatusTerminated)
	}
}

func (d *Dispatcher) setStatus(w *Worker, status domain.WorkerStatus) {
	if w.Status == status {
		return
	}
	d.registry.SetStatus(w.ID, status)
	d.publishWorkerGauges()
}

func (d *Dispatcher) publishWorkerGauges() {
	for _, s := range domain.AllWorkerStatuses {
		metrics.Workers.WithLabelValues(string(s)).Set(float64(d.registry.Count(s)))
	}
}

func (d *Dispatcher) outputSize(name string) int64 {
	if d.cfg.OutputDir == "" {
		return 0
	}
	info, err := os.Stat(filepath.Join(d.cfg.OutputDir, name+d.cfg.OutputSuffix))
	if err != nil {
		return 0
	}
	return info.Size()
}

func closePairs(pairs []*channel.Pair) {
	for _, p := range pairs {
		_ = p.Close()
	}
}
