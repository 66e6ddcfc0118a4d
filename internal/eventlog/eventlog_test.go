package eventlog

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

var testSpec = launch.NewLaunchSpec("../ceph/build/bin/radosgw", []string{"-d", "--rgw_frontends", "beast port=7482"}, "../wd_sd")

func TestEmitLaunched(t *testing.T) {
	sink := NewFakeSink()
	if err := EmitLaunched(sink, testSpec, 2, 4242); err != nil {
		t.Fatal(err)
	}

	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	f := entries[0].Fields
	checks := map[string]string{
		FieldEvent:      EventLaunched,
		FieldExecutable: "../ceph/build/bin/radosgw",
		FieldWorkDir:    "../wd_sd",
		FieldAttempt:    "2",
		FieldPID:        "4242",
		FieldCommand:    `../ceph/build/bin/radosgw -d --rgw_frontends "beast port=7482"`,
	}
	for k, want := range checks {
		if f[k] != want {
			t.Errorf("%s = %q, want %q", k, f[k], want)
		}
	}
}

func TestEmitExited(t *testing.T) {
	sink := NewFakeSink()
	_ = EmitExited(sink, testSpec, 1, 10, launch.Exited(1))
	_ = EmitExited(sink, testSpec, 2, 11, launch.Killed(unix.SIGKILL))

	entries := sink.Entries()
	if got := entries[0].Fields[FieldExitCode]; got != "1" {
		t.Errorf("exit code = %q", got)
	}
	if _, ok := entries[0].Fields[FieldSignal]; ok {
		t.Errorf("signal field set for plain exit")
	}
	if got := entries[1].Fields[FieldSignal]; got != "killed" {
		t.Errorf("signal = %q, want killed", got)
	}
	if entries[1].Message != "Gateway exited: signal: killed" {
		t.Errorf("message = %q", entries[1].Message)
	}
}

func TestEmitLaunchFailed(t *testing.T) {
	sink := NewFakeSink()
	_ = EmitLaunchFailed(sink, testSpec, 3, errors.New("no such file or directory"))

	got := sink.Events()
	if len(got) != 1 || got[0] != EventLaunchFailed {
		t.Fatalf("events = %v", got)
	}
	if sink.Entries()[0].Fields[FieldError] != "no such file or directory" {
		t.Fatalf("error field = %q", sink.Entries()[0].Fields[FieldError])
	}
}

func TestFakeSinkClosed(t *testing.T) {
	sink := NewFakeSink()
	_ = sink.Close()
	if err := sink.Write("x", nil); err == nil {
		t.Fatalf("expected error writing to closed sink")
	}
}

func TestLogSinkWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := EmitLaunched(LogSink{Logger: logger}, testSpec, 1, 99); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Gateway launched", "S3GW_PID=99", "S3GW_EVENT=launched"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}
