// Package channel provides the duplex pipe link between the dispatcher and one worker.
package channel

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Role selects which ends of a Pair a side keeps.
type Role int

const (
	// RoleDispatcher keeps the job write end and the result read end.
	RoleDispatcher Role = iota
	// RoleWorker keeps the job read end and the result write end.
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleDispatcher:
		return "dispatcher"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ErrAlreadySplit is returned when Split is called more than once.
var ErrAlreadySplit = errors.New("channel pair already split")

// Pair is two unidirectional pipes: jobs flow dispatcher→worker, results flow
// worker→dispatcher.
type Pair struct {
	jobR, jobW       *os.File
	resultR, resultW *os.File
	role             Role
	split            bool
}

// New creates both pipes. If the second pipe cannot be created the first one
// is closed before returning.
func New() (*Pair, error) {
	jobR, jobW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create job pipe: %w", err)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		_ = jobR.Close()
		_ = jobW.Close()
		return nil, fmt.Errorf("create result pipe: %w", err)
	}
	return &Pair{jobR: jobR, jobW: jobW, resultR: resultR, resultW: resultW}, nil
}

// WorkerEnds returns the ends a worker must receive. Valid only before Split.
func (p *Pair) WorkerEnds() (jobs, results *os.File) {
	return p.jobR, p.resultW
}

// Split closes the ends not owned by role. It must run exactly once per side,
// before any read or write.
func (p *Pair) Split(role Role) error {
	if p.split {
		return ErrAlreadySplit
	}
	p.split = true
	p.role = role

	var errs []error
	switch role {
	case RoleDispatcher:
		errs = append(errs, closeEnd(&p.jobR), closeEnd(&p.resultW))
	case RoleWorker:
		errs = append(errs, closeEnd(&p.jobW), closeEnd(&p.resultR))
	default:
		return fmt.Errorf("split: unknown %s", role)
	}
	return errors.Join(errs...)
}

// Jobs returns the job stream end kept by the split role.
func (p *Pair) Jobs() *os.File {
	if p.role == RoleWorker {
		return p.jobR
	}
	return p.jobW
}

// Results returns the result stream end kept by the split role.
func (p *Pair) Results() *os.File {
	if p.role == RoleWorker {
		return p.resultW
	}
	return p.resultR
}

// CloseJobs closes the kept job stream end. The worker sees end of stream.
func (p *Pair) CloseJobs() error {
	if p.role == RoleWorker {
		return closeEnd(&p.jobR)
	}
	return closeEnd(&p.jobW)
}

// Close releases every end that is still open. It is safe to call twice.
func (p *Pair) Close() error {
	return errors.Join(
		closeEnd(&p.jobR),
		closeEnd(&p.jobW),
		closeEnd(&p.resultR),
		closeEnd(&p.resultW),
	)
}

func closeEnd(f **os.File) error {
	if *f == nil {
		return nil
	}
	err := (*f).Close()
	*f = nil
	return err
}

// Descriptor numbers at which a worker process receives its ends.
// They follow stdin, stdout and stderr.
const (
	WorkerJobFD    = 3
	WorkerResultFD = 4
)

// WorkerFiles opens the ends inherited by a worker process. Both descriptors
// are marked close-on-exec again, since inheriting them through ExtraFiles
// cleared the flag; commands the worker runs must not hold the pipes open.
func WorkerFiles() (jobs, results *os.File) {
	unix.CloseOnExec(WorkerJobFD)
	unix.CloseOnExec(WorkerResultFD)
	return os.NewFile(WorkerJobFD, "jobs"), os.NewFile(WorkerResultFD, "results")
}
