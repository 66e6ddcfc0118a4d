// Package systemd runs the gateway as a transient systemd service and reports
// the supervisor's own lifecycle to the service manager.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
)

// UnitName is a systemd unit name such as "s3gw-radosgw-42-1.service".
type UnitName string

func (u UnitName) String() string { return string(u) }

// ErrJobFailed is returned when systemd reports a start job other than "done".
var ErrJobFailed = errors.New("systemd job failed")

// TransientSpec describes a transient service unit.
type TransientSpec struct {
	Unit        UnitName
	Description string
	Command     []string
	WorkingDir  string
	ServiceType string
	// Environment holds KEY=VALUE pairs.
	Environment []string

	// StopTimeout bounds how long stopping the unit may take before systemd
	// sends SIGKILL. Zero keeps systemd's default.
	StopTimeout time.Duration

	// RemainAfterExit keeps the unit around after the main process exits so
	// its exit status can still be read.
	RemainAfterExit bool

	// Stdio file descriptors to pass to the service. Nil means journal.
	Stdin  *int
	Stdout *int
	Stderr *int
}

// ExecMain is the main-process state of a service unit.
type ExecMain struct {
	PID uint32
	// Exited is set once systemd recorded an exit timestamp.
	Exited bool
	// Code is the CLD_* code; Status is the exit code or signal number.
	Code   int32
	Status int32
}

// Systemd is the subset of the systemd D-Bus API the unit executor uses.
type Systemd interface {
	// StartTransient creates and starts a transient unit, blocking until the
	// start job completes.
	StartTransient(ctx context.Context, spec TransientSpec) error

	// ExecMain reads the main-process properties of a service unit.
	ExecMain(ctx context.Context, name UnitName) (ExecMain, error)

	// StopUnit gracefully stops a unit, blocking until complete.
	StopUnit(ctx context.Context, name UnitName) error

	// ResetFailedUnit clears a failed unit so its name can be reused.
	ResetFailedUnit(ctx context.Context, name UnitName) error

	// Close releases the D-Bus connection.
	Close() error
}

// systemdConn implements Systemd using go-systemd/dbus.
type systemdConn struct {
	conn *dbus.Conn
}

// Connect connects to the user's systemd instance, or to the system instance
// when running as root.
func Connect(ctx context.Context) (Systemd, error) {
	if os.Geteuid() == 0 {
		conn, err := dbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("connecting to system systemd: %w", err)
		}
		return &systemdConn{conn: conn}, nil
	}
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to user systemd: %w", err)
	}
	return &systemdConn{conn: conn}, nil
}

func (s *systemdConn) Close() error {
	s.conn.Close()
	return nil
}

func (s *systemdConn) StartTransient(ctx context.Context, spec TransientSpec) error {
	resultChan := make(chan string, 1)
	_, err := s.conn.StartTransientUnitContext(
		ctx,
		spec.Unit.String(),
		"replace",
		transientProperties(spec),
		resultChan,
	)
	if err != nil {
		return fmt.Errorf("starting transient unit: %w", err)
	}

	select {
	case result := <-resultChan:
		// With Type=exec the job only completes once execve succeeded, so
		// "failed" means the binary never ran.
		if result != "done" {
			return fmt.Errorf("start job for %s %s: %w", spec.Unit, result, ErrJobFailed)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *systemdConn) ExecMain(ctx context.Context, name UnitName) (ExecMain, error) {
	props, err := s.conn.GetUnitTypePropertiesContext(ctx, name.String(), "Service")
	if err != nil {
		return ExecMain{}, fmt.Errorf("getting service properties of %s: %w", name, err)
	}

	var m ExecMain
	if pid, ok := props["ExecMainPID"].(uint32); ok {
		m.PID = pid
	}
	if ts, ok := props["ExecMainExitTimestamp"].(uint64); ok && ts > 0 {
		m.Exited = true
	}
	if code, ok := props["ExecMainCode"].(int32); ok {
		m.Code = code
	}
	if status, ok := props["ExecMainStatus"].(int32); ok {
		m.Status = status
	}
	return m, nil
}

func (s *systemdConn) StopUnit(ctx context.Context, name UnitName) error {
	resultChan := make(chan string, 1)
	_, err := s.conn.StopUnitContext(ctx, name.String(), "replace", resultChan)
	if err != nil {
		return fmt.Errorf("stopping unit: %w", err)
	}

	select {
	case result := <-resultChan:
		if result != "done" {
			return fmt.Errorf("stop job for %s %s: %w", name, result, ErrJobFailed)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *systemdConn) ResetFailedUnit(ctx context.Context, name UnitName) error {
	if err := s.conn.ResetFailedUnitContext(ctx, name.String()); err != nil {
		return fmt.Errorf("resetting failed unit: %w", err)
	}
	return nil
}

// transientProperties translates spec into D-Bus unit properties.
func transientProperties(spec TransientSpec) []dbus.Property {
	props := []dbus.Property{
		dbus.PropExecStart(spec.Command, false),
		dbus.PropDescription(spec.Description),
	}

	if spec.ServiceType != "" {
		props = append(props, dbus.PropType(spec.ServiceType))
	}

	if spec.StopTimeout > 0 {
		props = append(props, dbus.Property{
			Name:  "TimeoutStopUSec",
			Value: godbus.MakeVariant(uint64(spec.StopTimeout / time.Microsecond)),
		})
	}

	if spec.RemainAfterExit {
		props = append(props, dbus.PropRemainAfterExit(true))
	}

	if spec.WorkingDir != "" {
		props = append(props, dbus.Property{
			Name:  "WorkingDirectory",
			Value: godbus.MakeVariant(spec.WorkingDir),
		})
	}

	if len(spec.Environment) > 0 {
		props = append(props, dbus.Property{
			Name:  "Environment",
			Value: godbus.MakeVariant(spec.Environment),
		})
	}

	if spec.Stdin != nil {
		props = append(props, dbus.Property{
			Name:  "StandardInputFileDescriptor",
			Value: godbus.MakeVariant(godbus.UnixFD(*spec.Stdin)),
		})
	}

	if spec.Stdout != nil {
		props = append(props, dbus.Property{
			Name:  "StandardOutputFileDescriptor",
			Value: godbus.MakeVariant(godbus.UnixFD(*spec.Stdout)),
		})
	} else {
		props = append(props, dbus.Property{
			Name:  "StandardOutput",
			Value: godbus.MakeVariant("journal"),
		})
	}

	if spec.Stderr != nil {
		props = append(props, dbus.Property{
			Name:  "StandardErrorFileDescriptor",
			Value: godbus.MakeVariant(godbus.UnixFD(*spec.Stderr)),
		})
	} else {
		props = append(props, dbus.Property{
			Name:  "StandardError",
			Value: godbus.MakeVariant("journal"),
		})
	}

	return props
}
