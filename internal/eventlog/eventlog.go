// Package eventlog records the supervisor's launch lifecycle as structured
// entries, in journald when it is available and through slog otherwise.
package eventlog

import (
	"log/slog"
	"strconv"

	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

// Sink is a write-only interface for sending events.
type Sink interface {
	// Write sends a structured entry (fire-and-forget).
	Write(message string, fields map[string]string) error

	// Close releases any resources.
	Close() error
}

// Lifecycle event constants.
const (
	EventLaunched     = "launched"
	EventExited       = "exited"
	EventLaunchFailed = "launch-failed"
)

// Event field names. journald requires upper-case names.
const (
	FieldEvent      = "S3GW_EVENT"
	FieldExecutable = "S3GW_EXECUTABLE"
	FieldCommand    = "S3GW_COMMAND"
	FieldWorkDir    = "S3GW_WORKDIR"
	FieldAttempt    = "S3GW_ATTEMPT"
	FieldPID        = "S3GW_PID"
	FieldExitCode   = "S3GW_EXIT_CODE"
	FieldSignal     = "S3GW_SIGNAL"
	FieldError      = "S3GW_ERROR"
)

func specFields(event string, spec launch.LaunchSpec, attempt int) map[string]string {
	return map[string]string{
		FieldEvent:      event,
		FieldExecutable: spec.Path,
		FieldCommand:    spec.String(),
		FieldWorkDir:    spec.Dir,
		FieldAttempt:    strconv.Itoa(attempt),
	}
}

// EmitLaunched writes a launched event.
func EmitLaunched(sink Sink, spec launch.LaunchSpec, attempt, pid int) error {
	fields := specFields(EventLaunched, spec, attempt)
	fields[FieldPID] = strconv.Itoa(pid)
	return sink.Write("Gateway launched", fields)
}

// EmitExited writes an exited event carrying the exit code or signal.
func EmitExited(sink Sink, spec launch.LaunchSpec, attempt, pid int, status launch.ExitStatus) error {
	fields := specFields(EventExited, spec, attempt)
	fields[FieldPID] = strconv.Itoa(pid)
	fields[FieldExitCode] = strconv.Itoa(status.Code)
	if status.Signaled() {
		fields[FieldSignal] = status.Signal.String()
	}
	return sink.Write("Gateway exited: "+status.String(), fields)
}

// EmitLaunchFailed writes a launch-failed event.
func EmitLaunchFailed(sink Sink, spec launch.LaunchSpec, attempt int, err error) error {
	fields := specFields(EventLaunchFailed, spec, attempt)
	fields[FieldError] = err.Error()
	return sink.Write("Gateway launch failed", fields)
}

// LogSink writes entries to a slog logger. It is the fallback when journald
// is not reachable.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(message string, fields map[string]string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	logger.Debug(message, args...)
	return nil
}

func (LogSink) Close() error {
	return nil
}

// Discard drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(string, map[string]string) error { return nil }
func (discard) Close() error                          { return nil }
