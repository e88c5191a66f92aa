package master

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// WorkerIDEnv carries the worker index into the worker process.
const WorkerIDEnv = "BATCHPRESS_WORKER_ID"

// Process is a started worker.
type Process interface {
	Pid() int
	// Wait blocks until the worker has exited and releases its resources.
	Wait() error
	// Kill stops the worker without waiting for it.
	Kill() error
}

// Spawner starts one worker wired to the given channel ends.
// The caller still owns jobs and results and closes them after Spawn returns.
type Spawner interface {
	Spawn(id int, jobs, results *os.File) (Process, error)
}

// ExecSpawner starts each worker as a separate OS process. The worker
// receives its job stream on channel.WorkerJobFD and its result stream on
// channel.WorkerResultFD. Every other descriptor of the dispatcher is
// close-on-exec, so no worker inherits another worker's ends.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
}

// NewSelfSpawner re-executes the running binary with args.
func NewSelfSpawner(args ...string) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Path: exe, Args: args, Env: os.Environ(), Stderr: os.Stderr}, nil
}

func (s *ExecSpawner) Spawn(id int, jobs, results *os.File) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(append([]string{}, s.Env...), WorkerIDEnv+"="+strconv.Itoa(id))
	cmd.Stderr = s.Stderr
	// ExtraFiles[i] becomes fd 3+i in the child.
	cmd.ExtraFiles = []*os.File{jobs, results}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
