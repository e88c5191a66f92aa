// internal/domain/record.go
package domain

import (
	"context"
	"fmt"
	"time"
)

// JobRecord is the persisted form of a finished job.
type JobRecord struct {
	ID           string    `json:"id"`                      // Unique ID for this record
	RunID        string    `json:"run_id"`                  // Batch run the job belonged to
	Filename     string    `json:"filename"`                // Source file name, relative to the work dir
	WorkerID     int       `json:"worker_id"`               // Index of the worker in the pool
	WorkerPID    int       `json:"worker_pid,omitempty"`    // Process id of the worker
	StartTime    time.Time `json:"start_time"`              // When the job was written to the worker
	EndTime      time.Time `json:"end_time"`                // When the result token was read
	Status       Outcome   `json:"status"`                  // success or error
	Error        string    `json:"error,omitempty"`         // Error text if the job failed
	OriginalSize int64     `json:"original_size,omitempty"` // Size of the source file
	OutputSize   int64     `json:"output_size,omitempty"`   // Size of the produced artifact
}

// NewJobRecord builds a record from a finished job.
func NewJobRecord(id string, job *Job) *JobRecord {
	return &JobRecord{
		ID:           id,
		RunID:        job.RunID,
		Filename:     job.Filename,
		WorkerID:     job.WorkerID,
		WorkerPID:    job.WorkerPID,
		StartTime:    job.StartTime,
		EndTime:      job.EndTime,
		Status:       job.Outcome,
		Error:        job.Error,
		OriginalSize: job.InputSize,
		OutputSize:   job.OutputSize,
	}
}

// Validate checks if the job record is valid.
func (r *JobRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("job record ID cannot be empty")
	}
	if r.Filename == "" {
		return fmt.Errorf("job record filename cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("job record start time cannot be zero")
	}
	if r.Status != OutcomeSuccess && r.Status != OutcomeError {
		return fmt.Errorf("job record status %q is invalid", r.Status)
	}
	return nil
}

// JobRecordSink persists finished job records. The dispatcher never reads them back.
type JobRecordSink interface {
	// Record appends a single job record.
	Record(ctx context.Context, record *JobRecord) error
	// Close flushes and releases the sink.
	Close() error
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Record(context.Context, *JobRecord) error { return nil }
func (NopSink) Close() error                             { return nil }
