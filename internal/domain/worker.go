package domain

// WorkerStatus is the dispatcher's view of a worker process.
type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusBusy       WorkerStatus = "busy"
	WorkerStatusError      WorkerStatus = "error"
	WorkerStatusTerminated WorkerStatus = "terminated"
)

// AllWorkerStatuses lists every status, in lifecycle order.
var AllWorkerStatuses = []WorkerStatus{
	WorkerStatusIdle,
	WorkerStatusBusy,
	WorkerStatusError,
	WorkerStatusTerminated,
}

// Assignable reports whether a worker in this status may receive a new job.
// A worker whose last job failed stays eligible.
func (s WorkerStatus) Assignable() bool {
	return s == WorkerStatusIdle || s == WorkerStatusError
}
