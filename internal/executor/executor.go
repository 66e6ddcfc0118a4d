// Package executor provides an abstraction for starting the gateway process.
package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

// DefaultStopTimeout is how long a cancelled child gets between SIGTERM and
// SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// Process represents a started child.
type Process interface {
	// Pid returns the OS process ID, or 0 if the backend has none.
	Pid() int
	// Wait blocks until the child has exited and returns how it ended.
	Wait() (launch.ExitStatus, error)
}

// Executor starts processes.
type Executor interface {
	// Start starts exactly one child described by spec. Failing to start it
	// is reported as *launch.LaunchError.
	Start(ctx context.Context, spec launch.LaunchSpec) (Process, error)
}

// ExecExecutor is the default Executor backed by os/exec.
//
// The child inherits the supervisor's stdio unless Stdin/Stdout/Stderr are set.
// It runs in its own process group; cancelling the context passed to Start
// sends SIGTERM to that group and SIGKILL after StopTimeout.
type ExecExecutor struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	StopTimeout time.Duration
}

// execProcess wraps exec.Cmd to implement Process.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (launch.ExitStatus, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return launch.ExitStatus{}, err
	}
	status := StatusFromState(p.cmd.ProcessState)

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
		return status, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Stopped on request; the caller owns ctx and checks it itself.
		return status, nil
	}
	// The child exited but copying its output or the wait delay failed.
	return status, err
}

// Start implements Executor.Start using os/exec.
func (e *ExecExecutor) Start(ctx context.Context, spec launch.LaunchSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = e.Stdin
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = procAttr()

	cmd.Cancel = func() error {
		return signalGroup(cmd.Process, unix.SIGTERM)
	}
	cmd.WaitDelay = e.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultStopTimeout
	}

	if err := cmd.Start(); err != nil {
		return nil, &launch.LaunchError{Spec: spec, Err: err}
	}
	return &execProcess{cmd: cmd}, nil
}

// signalGroup signals the child's process group, falling back to the child
// alone if the group is already gone.
func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	if p.Pid > 0 {
		if err := unix.Kill(-p.Pid, sig); err == nil {
			return nil
		}
	}
	return p.Signal(sig)
}

// StatusFromState converts an OS process state into a launch.ExitStatus.
func StatusFromState(state *os.ProcessState) launch.ExitStatus {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return launch.Killed(ws.Signal())
	}
	return launch.Exited(state.ExitCode())
}

// Default returns the default ExecExecutor.
func Default() Executor {
	return &ExecExecutor{}
}
