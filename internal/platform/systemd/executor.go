package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/aquarist-labs/s3gw-launch/internal/executor"
	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

// CLD_* codes as reported in ExecMainCode.
const (
	cldExited = 1
	cldKilled = 2
	cldDumped = 3
)

const (
	// DefaultPollInterval is how often Wait reads the unit's exit state.
	DefaultPollInterval = 200 * time.Millisecond

	cleanupTimeout = 30 * time.Second
)

// UnitExecutor starts each launch as a transient systemd service.
//
// The child inherits the supervisor's stdio, passed as file descriptors, and
// every environment variable systemd accepts. Unlike ExecExecutor the unit is
// not bound to the supervisor's lifetime: if the supervisor is killed
// outright, systemd keeps the gateway running.
type UnitExecutor struct {
	Systemd Systemd

	// Stdin, Stdout and Stderr are passed to the unit. Nil means the
	// launcher's own.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// StopTimeout becomes the unit's TimeoutStopSec. Zero keeps systemd's
	// default.
	StopTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Prefix names the units; defaults to "s3gw-radosgw".
	Prefix string

	seq atomic.Int64
}

var _ executor.Executor = (*UnitExecutor)(nil)

// NewUnitExecutor connects to systemd and returns an executor using it.
func NewUnitExecutor(ctx context.Context) (*UnitExecutor, error) {
	sd, err := Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &UnitExecutor{Systemd: sd}, nil
}

// Close releases the systemd connection.
func (e *UnitExecutor) Close() error {
	if e.Systemd == nil {
		return nil
	}
	return e.Systemd.Close()
}

func (e *UnitExecutor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *UnitExecutor) unitName() UnitName {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "s3gw-radosgw"
	}
	return UnitName(fmt.Sprintf("%s-%d-%d.service", prefix, os.Getpid(), e.seq.Add(1)))
}

// Start implements executor.Executor.
func (e *UnitExecutor) Start(ctx context.Context, spec launch.LaunchSpec) (executor.Process, error) {
	path, dir, err := resolveCommand(spec)
	if err != nil {
		return nil, &launch.LaunchError{Spec: spec, Err: err}
	}

	stdin, stdout, stderr := e.Stdin, e.Stdout, e.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	inFD, outFD, errFD := int(stdin.Fd()), int(stdout.Fd()), int(stderr.Fd())

	unit := e.unitName()
	tspec := TransientSpec{
		Unit:            unit,
		Description:     "radosgw: " + spec.String(),
		Command:         append([]string{path}, spec.Args...),
		WorkingDir:      dir,
		ServiceType:     "exec",
		Environment:     unitEnvironment(os.Environ(), e.logger()),
		StopTimeout:     e.StopTimeout,
		RemainAfterExit: true,
		Stdin:           &inFD,
		Stdout:          &outFD,
		Stderr:          &errFD,
	}
	if err := e.Systemd.StartTransient(ctx, tspec); err != nil {
		e.cleanup(unit)
		return nil, &launch.LaunchError{Spec: spec, Err: err}
	}

	m, err := e.Systemd.ExecMain(ctx, unit)
	if err != nil {
		e.cleanup(unit)
		return nil, &launch.LaunchError{Spec: spec, Err: err}
	}

	interval := e.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &unitProcess{
		ctx:      ctx,
		exec:     e,
		unit:     unit,
		pid:      int(m.PID),
		interval: interval,
	}, nil
}

// cleanup stops and resets unit, ignoring errors: the unit may already be
// gone.
func (e *UnitExecutor) cleanup(unit UnitName) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = e.Systemd.StopUnit(ctx, unit)
	_ = e.Systemd.ResetFailedUnit(ctx, unit)
}

type unitProcess struct {
	ctx      context.Context
	exec     *UnitExecutor
	unit     UnitName
	pid      int
	interval time.Duration
}

func (p *unitProcess) Pid() int {
	return p.pid
}

// Wait polls the unit until its main process has exited. Cancelling the
// Start context stops the unit.
func (p *unitProcess) Wait() (launch.ExitStatus, error) {
	defer p.exec.cleanup(p.unit)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		m, err := p.exec.Systemd.ExecMain(context.Background(), p.unit)
		if err != nil {
			return launch.ExitStatus{}, err
		}
		if m.Exited {
			return statusFromExecMain(m.Code, m.Status), nil
		}

		select {
		case <-ticker.C:
		case <-p.ctx.Done():
			return p.stop()
		}
	}
}

func (p *unitProcess) stop() (launch.ExitStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := p.exec.Systemd.StopUnit(ctx, p.unit); err != nil && !errors.Is(err, ErrJobFailed) {
		return launch.Killed(unix.SIGTERM), err
	}
	m, err := p.exec.Systemd.ExecMain(ctx, p.unit)
	if err != nil || !m.Exited {
		return launch.Killed(unix.SIGTERM), nil
	}
	return statusFromExecMain(m.Code, m.Status), nil
}

// statusFromExecMain decodes ExecMainCode and ExecMainStatus.
func statusFromExecMain(code, status int32) launch.ExitStatus {
	switch code {
	case cldExited:
		return launch.Exited(int(status))
	case cldKilled, cldDumped:
		return launch.Killed(unix.Signal(status))
	default:
		return launch.Exited(int(status))
	}
}

// resolveCommand makes the executable and working directory absolute the
// way a direct exec would see them: paths containing a slash are relative to
// the working directory, bare names are looked up in PATH.
func resolveCommand(spec launch.LaunchSpec) (path, dir string, err error) {
	dir = spec.Dir
	if dir == "" {
		dir = "."
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", "", err
	}
	if fi, err := os.Stat(dir); err != nil {
		return "", "", err
	} else if !fi.IsDir() {
		return "", "", fmt.Errorf("%s is not a directory", dir)
	}

	switch {
	case filepath.IsAbs(spec.Path):
		path = spec.Path
	case strings.Contains(spec.Path, "/"):
		path = filepath.Join(dir, spec.Path)
	default:
		path, err = exec.LookPath(spec.Path)
		if err != nil {
			return "", "", err
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", "", err
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return "", "", fmt.Errorf("%s: %w", path, os.ErrPermission)
	}
	return path, dir, nil
}

// unitEnvironment drops the entries systemd refuses in an Environment
// property, such as exported shell functions ("BASH_FUNC_which%%"). A single
// invalid entry would fail the whole start job.
func unitEnvironment(env []string, logger *slog.Logger) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !validEnvName(name) || !validEnvValue(value) {
			logger.Debug("not passing environment variable to unit", "name", name)
			continue
		}
		out = append(out, kv)
	}
	return out
}

// validEnvName matches [A-Za-z_][A-Za-z0-9_]*.
func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// validEnvValue requires UTF-8 without control characters other than tab
// and newline.
func validEnvValue(value string) bool {
	if !utf8.ValidString(value) {
		return false
	}
	for _, c := range value {
		if (c < ' ' && c != '\t' && c != '\n') || c == 0x7f {
			return false
		}
	}
	return true
}
