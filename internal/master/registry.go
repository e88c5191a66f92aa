// internal/master/registry.go
package master

import (
	"time"

	"batchpress/internal/channel"
	"batchpress/internal/domain"
	"batchpress/internal/wire"

	"go.opentelemetry.io/otel/trace"
)

// Worker is the dispatcher's record of one pool process.
type Worker struct {
	ID                int
	PID               int
	Status            domain.WorkerStatus
	Processed         int
	ConsecutiveErrors int
	LastActive        time.Time

	// retiring workers have been sent the sentinel early and take no new jobs.
	retiring bool
	reaped   bool

	pair     *channel.Pair
	proc     Process
	resultFD int
	results  wire.ResultBuffer
	job      *domain.Job
	span     trace.Span
}

// Job returns the job in flight on the worker, if any.
func (w *Worker) Job() *domain.Job { return w.job }

// Registry tracks every worker of the pool. Only the dispatch loop touches it.
type Registry struct {
	workers []*Worker
}

// NewRegistry creates n idle workers with ids [0, n).
func NewRegistry(n int) *Registry {
	r := &Registry{workers: make([]*Worker, n)}
	for i := range r.workers {
		r.workers[i] = &Worker{ID: i, Status: domain.WorkerStatusIdle, resultFD: -1}
	}
	return r
}

// Len is the pool size.
func (r *Registry) Len() int { return len(r.workers) }

// Get returns the worker with the given id.
func (r *Registry) Get(id int) *Worker { return r.workers[id] }

// Status returns the status of worker id.
func (r *Registry) Status(id int) domain.WorkerStatus { return r.workers[id].Status }

// SetStatus changes the status of worker id.
func (r *Registry) SetStatus(id int, status domain.WorkerStatus) { r.workers[id].Status = status }

// FindIdle returns the lowest id that may take a job.
func (r *Registry) FindIdle() (int, bool) {
	for _, w := range r.workers {
		if w.Status.Assignable() && !w.retiring {
			return w.ID, true
		}
	}
	return -1, false
}

// All returns every worker in id order.
func (r *Registry) All() []*Worker { return r.workers }

// Live returns the workers that have not terminated, in id order.
func (r *Registry) Live() []*Worker {
	live := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status != domain.WorkerStatusTerminated {
			live = append(live, w)
		}
	}
	return live
}

// Count returns how many workers are in status.
func (r *Registry) Count(status domain.WorkerStatus) int {
	n := 0
	for _, w := range r.workers {
		if w.Status == status {
			n++
		}
	}
	return n
}

// InFlight returns how many workers currently hold a job.
func (r *Registry) InFlight() int {
	n := 0
	for _, w := range r.workers {
		if w.job != nil {
			n++
		}
	}
	return n
}
