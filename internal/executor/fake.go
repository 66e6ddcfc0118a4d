package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

// FakeCommand is a function that simulates a child process.
// It receives the spec it was started with and writers standing in for the
// child's stdout/stderr, and returns the exit status.
// The context is cancelled when the process should be killed.
type FakeCommand func(ctx context.Context, spec launch.LaunchSpec, stdout, stderr io.Writer) launch.ExitStatus

// FakeExecutor is a test implementation of Executor that runs registered fake
// commands in goroutines. It records every launch and the highest number of
// children that were ever running at the same time.
type FakeExecutor struct {
	Stdout io.Writer
	Stderr io.Writer

	// OnStart, if set, runs inside Start before the fake child is spawned.
	// Returning an error fails the launch.
	OnStart func(n int, spec launch.LaunchSpec) error

	mu          sync.Mutex
	commands    map[string]FakeCommand
	launches    []launch.LaunchSpec
	running     int
	maxRunning  int
	nextPid     int
	exitedCount int
}

// NewFakeExecutor creates a new FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		commands: make(map[string]FakeCommand),
		nextPid:  1000,
	}
}

// RegisterCommand registers a fake command implementation under the
// executable path it answers to.
func (e *FakeExecutor) RegisterCommand(path string, handler FakeCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[path] = handler
}

// Launches returns the number of successful starts so far.
func (e *FakeExecutor) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.launches)
}

// Specs returns a copy of every spec that was started, in order.
func (e *FakeExecutor) Specs() []launch.LaunchSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]launch.LaunchSpec, len(e.launches))
	copy(out, e.launches)
	return out
}

// MaxConcurrent returns the highest number of simultaneously running children.
func (e *FakeExecutor) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxRunning
}

// Exited returns how many fake children have finished.
func (e *FakeExecutor) Exited() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitedCount
}

// fakeProcess implements Process for FakeExecutor.
type fakeProcess struct {
	pid    int
	done   chan struct{}
	status launch.ExitStatus
}

func (p *fakeProcess) Pid() int {
	return p.pid
}

func (p *fakeProcess) Wait() (launch.ExitStatus, error) {
	<-p.done
	return p.status, nil
}

// Start implements Executor.Start for FakeExecutor.
func (e *FakeExecutor) Start(ctx context.Context, spec launch.LaunchSpec) (Process, error) {
	e.mu.Lock()
	handler, ok := e.commands[spec.Path]
	attempt := len(e.launches) + 1
	hook := e.OnStart
	e.mu.Unlock()

	if !ok {
		return nil, &launch.LaunchError{Spec: spec, Err: fmt.Errorf("executable %q not found: %w", spec.Path, os.ErrNotExist)}
	}
	if hook != nil {
		if err := hook(attempt, spec); err != nil {
			return nil, &launch.LaunchError{Spec: spec, Err: err}
		}
	}

	stdout, stderr := e.Stdout, e.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	e.mu.Lock()
	e.launches = append(e.launches, launch.NewLaunchSpec(spec.Path, spec.Args, spec.Dir))
	e.running++
	e.maxRunning = max(e.maxRunning, e.running)
	e.nextPid++
	pid := e.nextPid
	e.mu.Unlock()

	childCtx, cancel := context.WithCancel(ctx)
	proc := &fakeProcess{
		pid:  pid,
		done: make(chan struct{}),
	}

	go func() {
		defer cancel()
		proc.status = handler(childCtx, spec, stdout, stderr)

		e.mu.Lock()
		e.running--
		e.exitedCount++
		e.mu.Unlock()

		close(proc.done)
	}()

	return proc, nil
}

// ExitWith returns a FakeCommand that exits immediately with status.
func ExitWith(status launch.ExitStatus) FakeCommand {
	return func(context.Context, launch.LaunchSpec, io.Writer, io.Writer) launch.ExitStatus {
		return status
	}
}

// UntilCancelled returns a FakeCommand that runs until its context is
// cancelled and then reports being killed by SIGTERM.
func UntilCancelled() FakeCommand {
	return func(ctx context.Context, _ launch.LaunchSpec, _, _ io.Writer) launch.ExitStatus {
		<-ctx.Done()
		return launch.Killed(unix.SIGTERM)
	}
}
