package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/aquarist-labs/s3gw-launch/internal/executor"
)

// Kind identifies a backend implementation.
type Kind string

const (
	// KindExec forks radosgw directly as a child of the launcher.
	KindExec Kind = "exec"
	// KindSystemd runs each launch as a transient systemd service.
	KindSystemd Kind = "systemd"
	// KindAuto picks systemd when it is reachable on D-Bus, exec otherwise.
	KindAuto Kind = "auto"
)

// Config configures a backend implementation.
type Config struct {
	Kind Kind

	// Stdin, Stdout and Stderr are handed to the gateway. Nil means the
	// launcher's own.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// StopTimeout bounds how long a cancelled gateway may take to exit
	// before it is killed.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// Backend starts gateway processes.
type Backend interface {
	executor.Executor
	Close() error
}

type opener func(ctx context.Context, cfg Config) (Backend, error)

var openers = map[Kind]opener{}

// Register makes a backend implementation available to Open.
// Implementations should call this from init().
func Register(kind Kind, o opener) {
	if kind == "" || kind == KindAuto {
		panic("backend: register with reserved kind " + string(kind))
	}
	if o == nil {
		panic("backend: register with nil opener")
	}
	if _, exists := openers[kind]; exists {
		panic("backend: duplicate register for kind " + string(kind))
	}
	openers[kind] = o
}

// Kinds lists the registered kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(openers))
	for k := range openers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ParseKind validates a backend name from the command line. The empty string
// selects KindExec.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindExec, nil
	case KindExec, KindSystemd, KindAuto:
		return k, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want exec, systemd or auto)", s)
	}
}

// Open constructs a backend from cfg. The requested Kind must be registered.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	cfg = withDefaults(cfg)
	o, ok := openers[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
	cfg.Logger.Debug("opening backend", "kind", cfg.Kind)
	return o(ctx, cfg)
}

// DetectKind returns the appropriate backend based on environment.
// Returns systemd if a systemd instance is available on D-Bus, otherwise exec.
func DetectKind() Kind {
	if hasSystemd() {
		return KindSystemd
	}
	return KindExec
}

// hasSystemd checks whether org.freedesktop.systemd1 has an owner on the bus
// the launcher would use: the system bus for root, the session bus otherwise.
func hasSystemd() bool {
	connect := dbus.ConnectSessionBus
	if os.Geteuid() == 0 {
		connect = dbus.ConnectSystemBus
	}
	conn, err := connect()
	if err != nil {
		return false
	}
	defer conn.Close()

	var owner string
	err = conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus").
		Call("org.freedesktop.DBus.GetNameOwner", 0, "org.freedesktop.systemd1").
		Store(&owner)

	return err == nil && owner != ""
}

func withDefaults(cfg Config) Config {
	switch cfg.Kind {
	case "":
		cfg.Kind = KindExec
	case KindAuto:
		cfg.Kind = DetectKind()
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = executor.DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
