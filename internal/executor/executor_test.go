package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

func startAndWait(t *testing.T, e Executor, spec launch.LaunchSpec) launch.ExitStatus {
	t.Helper()

	proc, err := e.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start(%s) failed: %v", spec, err)
	}
	status, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return status
}

func TestExecExecutor_TrueSucceeds(t *testing.T) {
	status := startAndWait(t, &ExecExecutor{}, launch.NewLaunchSpec("/bin/true", nil, "/tmp"))
	if !status.Success() {
		t.Fatalf("/bin/true status = %v, want success", status)
	}
}

func TestExecExecutor_FalseFails(t *testing.T) {
	status := startAndWait(t, &ExecExecutor{}, launch.NewLaunchSpec("/bin/false", nil, "/tmp"))
	if status.Success() || status.Signaled() || status.Code != 1 {
		t.Fatalf("/bin/false status = %v, want exit status 1", status)
	}
}

func TestExecExecutor_MissingExecutable(t *testing.T) {
	proc, err := (&ExecExecutor{}).Start(context.Background(), launch.NewLaunchSpec("/nonexistent", nil, "/tmp"))
	if err == nil {
		t.Fatalf("expected launch error, got process %v", proc)
	}
	if proc != nil {
		t.Fatalf("expected no process on launch failure")
	}
	var le *launch.LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("error %v (%T) is not a *LaunchError", err, err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist cause, got %v", err)
	}
}

func TestExecExecutor_MissingWorkingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	_, err := (&ExecExecutor{}).Start(context.Background(), launch.NewLaunchSpec("/bin/true", nil, dir))
	if !errors.Is(err, launch.ErrLaunch) {
		t.Fatalf("expected launch error for missing dir, got %v", err)
	}
}

func TestExecExecutor_ArgsAndDirectory(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	e := &ExecExecutor{Stdout: &out}

	// $0 is "probe"; the remaining args are printed one per line.
	spec := launch.NewLaunchSpec("/bin/sh", []string{
		"-c", `pwd; for a in "$@"; do echo "[$a]"; done`, "probe",
		"--rgw_frontends", "beast port=7482", "",
	}, dir)

	status := startAndWait(t, e, spec)
	if !status.Success() {
		t.Fatalf("status = %v", status)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{resolved, "[--rgw_frontends]", "[beast port=7482]", "[]"}
	if len(lines) != len(want) {
		t.Fatalf("output lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestExecExecutor_InheritsStdin(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	saved := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = saved }()

	if _, err := w.WriteString("radosgw stdin\n"); err != nil {
		t.Fatal(err)
	}
	w.Close()

	var out bytes.Buffer
	status := startAndWait(t, &ExecExecutor{Stdout: &out}, launch.NewLaunchSpec("/bin/cat", nil, t.TempDir()))
	if !status.Success() {
		t.Fatalf("status = %v", status)
	}
	if out.String() != "radosgw stdin\n" {
		t.Fatalf("child read %q from stdin", out.String())
	}
}

func TestExecExecutor_RelativePathResolvesAgainstDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "bin", "gw")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 7\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	status := startAndWait(t, &ExecExecutor{}, launch.NewLaunchSpec("./bin/gw", nil, dir))
	if status.Code != 7 {
		t.Fatalf("status = %v, want exit status 7", status)
	}
}

func TestExecExecutor_Signaled(t *testing.T) {
	spec := launch.NewLaunchSpec("/bin/sh", []string{"-c", "kill -TERM $$"}, "/tmp")
	status := startAndWait(t, &ExecExecutor{}, spec)
	if !status.Signaled() || status.Signal != unix.SIGTERM {
		t.Fatalf("status = %v, want SIGTERM", status)
	}
	if status.ProcessExitCode() != 143 {
		t.Fatalf("ProcessExitCode() = %d, want 143", status.ProcessExitCode())
	}
}

func TestExecExecutor_CancelTerminatesProcessGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := &ExecExecutor{StopTimeout: 2 * time.Second}
	// The shell waits on a grandchild; both sit in the child's process group.
	proc, err := e.Start(ctx, launch.NewLaunchSpec("/bin/sh", []string{"-c", "sleep 30 & wait"}, "/tmp"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if proc.Pid() <= 0 {
		t.Fatalf("Pid() = %d", proc.Pid())
	}

	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan launch.ExitStatus, 1)
	go func() {
		status, _ := proc.Wait()
		done <- status
	}()

	select {
	case status := <-done:
		if status.Success() {
			t.Fatalf("cancelled child reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("child still running after cancellation")
	}

	// The whole group goes away; the orphaned sleep is reaped asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := unix.Kill(-proc.Pid(), 0)
		if errors.Is(err, unix.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("process group %d still alive: %v", proc.Pid(), err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFakeExecutor_RecordsLaunches(t *testing.T) {
	e := NewFakeExecutor()
	e.RegisterCommand("radosgw", ExitWith(launch.Exited(3)))

	spec := launch.NewLaunchSpec("radosgw", []string{"-d"}, "../wd")
	status := startAndWait(t, e, spec)
	if status.Code != 3 {
		t.Fatalf("status = %v", status)
	}
	if e.Launches() != 1 || e.Exited() != 1 {
		t.Fatalf("Launches() = %d, Exited() = %d", e.Launches(), e.Exited())
	}
	got := e.Specs()[0]
	if got.Path != "radosgw" || got.Dir != "../wd" || len(got.Args) != 1 || got.Args[0] != "-d" {
		t.Fatalf("recorded spec = %+v", got)
	}

	if _, err := e.Start(context.Background(), launch.NewLaunchSpec("missing", nil, "")); !errors.Is(err, launch.ErrLaunch) {
		t.Fatalf("expected launch error for unregistered command, got %v", err)
	}
}
