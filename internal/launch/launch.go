// Package launch holds the values shared by every layer of the launcher:
// how to start the gateway process and how it ended.
package launch

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// LaunchSpec describes how to start the external process.
// It is built once and never mutated; Args is copied on the way in and out.
type LaunchSpec struct {
	// Path is the executable. A relative path is evaluated relative to Dir.
	Path string
	// Args are passed verbatim as argv[1:].
	Args []string
	// Dir is the working directory of the child.
	Dir string
}

// NewLaunchSpec returns a LaunchSpec owning a private copy of args.
func NewLaunchSpec(path string, args []string, dir string) LaunchSpec {
	return LaunchSpec{Path: path, Args: slices.Clone(args), Dir: dir}
}

// Command returns argv: Path followed by Args.
func (s LaunchSpec) Command() []string {
	argv := make([]string, 0, len(s.Args)+1)
	argv = append(argv, s.Path)
	return append(argv, s.Args...)
}

// String renders the command line for logs.
func (s LaunchSpec) String() string {
	parts := make([]string, 0, len(s.Args)+1)
	for _, a := range s.Command() {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Mode selects between a single bounded run and the respawn loop.
type Mode int

const (
	SingleRun Mode = iota
	RespawnForever
)

func (m Mode) String() string {
	switch m {
	case SingleRun:
		return "single"
	case RespawnForever:
		return "respawn"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ExitStatus is the termination outcome of one child.
type ExitStatus struct {
	// Code is the exit code, or -1 when the child was killed by a signal.
	Code int
	// Signal is set when the child was killed by a signal.
	Signal unix.Signal
}

// Exited returns the status of a child that called exit(code).
func Exited(code int) ExitStatus {
	return ExitStatus{Code: code}
}

// Killed returns the status of a child terminated by sig.
func Killed(sig unix.Signal) ExitStatus {
	return ExitStatus{Code: -1, Signal: sig}
}

func (s ExitStatus) Success() bool {
	return s.Signal == 0 && s.Code == 0
}

func (s ExitStatus) Signaled() bool {
	return s.Signal != 0
}

// ProcessExitCode maps the status onto the shell convention used when the
// supervisor exits with its child's status.
func (s ExitStatus) ProcessExitCode() int {
	if s.Signaled() {
		return 128 + int(s.Signal)
	}
	return s.Code
}

func (s ExitStatus) String() string {
	if s.Signaled() {
		return "signal: " + s.Signal.String()
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// ErrLaunch matches every *LaunchError with errors.Is.
var ErrLaunch = errors.New("launch failed")

// LaunchError reports that the child could not be started at all.
type LaunchError struct {
	Spec LaunchSpec
	Err  error
}

func (e *LaunchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("launching %s in %q: %v", e.Spec.Path, e.Spec.Dir, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}
