// Package supervisor owns the lifecycle of the gateway process: it launches
// it once, or keeps relaunching it whenever it exits.
//
// Exactly one child is alive at a time. The respawn loop starts launch i+1
// only after launch i has been observed to end, and it treats every outcome,
// including a failure to launch, the same way. Whether and when it relaunches
// is up to the RetryPolicy; the default relaunches immediately and forever.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aquarist-labs/s3gw-launch/internal/eventlog"
	"github.com/aquarist-labs/s3gw-launch/internal/executor"
	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

// ErrRetriesExhausted is returned by RunForever when a bounded policy
// declines to launch again.
var ErrRetriesExhausted = errors.New("restart policy exhausted")

// State is the supervisor's position in its launch cycle.
type State int32

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Notifier is told about lifecycle milestones, typically to forward them to
// the service manager running the supervisor.
type Notifier interface {
	Ready() error
	Status(status string) error
	Stopping() error
}

// Config wires a Supervisor. Zero fields get defaults.
type Config struct {
	// Executor starts children. Defaults to executor.Default().
	Executor executor.Executor
	// Policy drives RunForever. Defaults to Immediate().
	Policy RetryPolicy
	// Events receives lifecycle entries. Defaults to eventlog.Discard.
	Events eventlog.Sink
	// Notifier may be nil.
	Notifier Notifier
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Supervisor launches one external command per Config.
type Supervisor struct {
	exec     executor.Executor
	policy   RetryPolicy
	events   eventlog.Sink
	notifier Notifier
	logger   *slog.Logger

	state    atomic.Int32
	launches atomic.Int64
	ready    atomic.Bool
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		exec:     cfg.Executor,
		policy:   cfg.Policy,
		events:   cfg.Events,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
	}
	if s.exec == nil {
		s.exec = executor.Default()
	}
	if s.policy == nil {
		s.policy = Immediate()
	}
	if s.events == nil {
		s.events = eventlog.Discard
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Launches returns how many launches were attempted, failed ones included.
func (s *Supervisor) Launches() int {
	return int(s.launches.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Run applies mode to spec. For SingleRun it returns the child's status; for
// RespawnForever the status is always zero and the error says why the loop
// ended.
func (s *Supervisor) Run(ctx context.Context, mode launch.Mode, spec launch.LaunchSpec) (launch.ExitStatus, error) {
	switch mode {
	case launch.SingleRun:
		defer s.stopping()
		return s.RunOnce(ctx, spec)
	case launch.RespawnForever:
		return launch.ExitStatus{}, s.RunForever(ctx, spec)
	default:
		return launch.ExitStatus{}, fmt.Errorf("unknown supervision mode %v", mode)
	}
}

// RunOnce starts the child and blocks until it has terminated.
//
// If the child cannot be started the error is a *launch.LaunchError and no
// status is produced. If ctx is cancelled while the child runs, the child is
// terminated and RunOnce still waits for it before returning.
func (s *Supervisor) RunOnce(ctx context.Context, spec launch.LaunchSpec) (launch.ExitStatus, error) {
	if err := ctx.Err(); err != nil {
		return launch.ExitStatus{}, err
	}
	return s.runAttempt(ctx, spec, 1)
}

// RunForever relaunches spec every time the child ends, as the policy allows.
// It returns ctx.Err() once ctx is cancelled, or ErrRetriesExhausted when the
// policy stops. With the Immediate policy it never returns on its own.
func (s *Supervisor) RunForever(ctx context.Context, spec launch.LaunchSpec) error {
	defer s.stopping()

	schedule := backoff.WithContext(s.policy.BackOff(), ctx)
	schedule.Reset()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			s.setState(StateIdle)
			return err
		}

		// Launch errors are already logged and treated like any other exit.
		_, _ = s.runAttempt(ctx, spec, attempt)

		if err := ctx.Err(); err != nil {
			s.setState(StateIdle)
			return err
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			s.setState(StateIdle)
			if err := ctx.Err(); err != nil {
				return err
			}
			s.logger.Warn("not restarting gateway", "launches", attempt)
			return fmt.Errorf("%w after %d launches", ErrRetriesExhausted, attempt)
		}
		if delay > 0 {
			s.logger.Info("restarting gateway after delay", "delay", delay, "attempt", attempt+1)
			if err := sleep(ctx, delay); err != nil {
				s.setState(StateIdle)
				return err
			}
		} else {
			s.logger.Debug("restarting gateway", "attempt", attempt+1)
		}
	}
}

func (s *Supervisor) runAttempt(ctx context.Context, spec launch.LaunchSpec, attempt int) (launch.ExitStatus, error) {
	s.launches.Add(1)
	s.setState(StateLaunching)

	proc, err := s.exec.Start(ctx, spec)
	if err != nil {
		s.setState(StateExited)
		var le *launch.LaunchError
		if !errors.As(err, &le) {
			err = &launch.LaunchError{Spec: spec, Err: err}
		}
		s.logger.Warn("gateway launch failed", "attempt", attempt, "path", spec.Path, "dir", spec.Dir, "error", err)
		s.emit(eventlog.EmitLaunchFailed(s.events, spec, attempt, err))
		s.notify(fmt.Sprintf("launch %d failed: %v", attempt, err))
		return launch.ExitStatus{}, err
	}

	pid := proc.Pid()
	s.setState(StateRunning)
	s.logger.Info("gateway started", "attempt", attempt, "pid", pid, "dir", spec.Dir)
	s.logger.Debug("gateway command", "pid", pid, "command", spec.String())
	s.emit(eventlog.EmitLaunched(s.events, spec, attempt, pid))
	if s.notifier != nil && s.ready.CompareAndSwap(false, true) {
		s.emit(s.notifier.Ready())
	}
	s.notify(fmt.Sprintf("gateway running (pid %d, launch %d)", pid, attempt))

	status, err := proc.Wait()
	s.setState(StateExited)
	if err != nil {
		s.logger.Warn("waiting for gateway", "pid", pid, "error", err)
		err = fmt.Errorf("waiting for pid %d: %w", pid, err)
	}

	level := slog.LevelInfo
	if !status.Success() {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "gateway exited", "attempt", attempt, "pid", pid, "status", status.String())
	s.emit(eventlog.EmitExited(s.events, spec, attempt, pid, status))
	s.notify(fmt.Sprintf("gateway exited with %s (launch %d)", status, attempt))

	return status, err
}

func (s *Supervisor) notify(status string) {
	if s.notifier == nil {
		return
	}
	s.emit(s.notifier.Status(status))
}

func (s *Supervisor) stopping() {
	if s.notifier == nil {
		return
	}
	s.emit(s.notifier.Stopping())
}

// emit logs errors from the event sink and notifier; neither may stop the
// supervisor.
func (s *Supervisor) emit(err error) {
	if err != nil {
		s.logger.Debug("recording lifecycle event", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
