// internal/domain/job.go
package domain

import "time"

// Outcome is the result of a single file transformation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Job is one file assigned to one worker.
// It lives only while in flight; once finished it is turned into a JobRecord.
type Job struct {
	RunID      string
	Filename   string
	InputSize  int64
	WorkerID   int
	WorkerPID  int
	StartTime  time.Time
	EndTime    time.Time
	Outcome    Outcome
	Error      string
	OutputSize int64
}

// Finish stamps the end time and outcome of the job.
func (j *Job) Finish(outcome Outcome, errText string, now time.Time) {
	j.EndTime = now
	j.Outcome = outcome
	j.Error = errText
}

// Duration is zero until the job has finished.
func (j *Job) Duration() time.Duration {
	if j.EndTime.IsZero() {
		return 0
	}
	return j.EndTime.Sub(j.StartTime)
}
