// s3gw-launch - Run the s3gw radosgw gateway under supervision
//
// Usage:
//
//	s3gw-launch run      [flags] [-- radosgw args]   Run the gateway once
//	s3gw-launch watchdog [flags] [-- radosgw args]   Keep the gateway running
//	s3gw-launch args     [flags] [-- radosgw args]   Print the gateway command line
//	s3gw-launch profiles                             List built-in profiles
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/aquarist-labs/s3gw-launch/internal/backend"
	_ "github.com/aquarist-labs/s3gw-launch/internal/backend/all"
	"github.com/aquarist-labs/s3gw-launch/internal/eventlog"
	"github.com/aquarist-labs/s3gw-launch/internal/gateway"
	"github.com/aquarist-labs/s3gw-launch/internal/launch"
	"github.com/aquarist-labs/s3gw-launch/internal/logging"
	"github.com/aquarist-labs/s3gw-launch/internal/platform/systemd"
	"github.com/aquarist-labs/s3gw-launch/internal/supervisor"
)

const usage = `s3gw-launch - Run the s3gw radosgw gateway under supervision

Usage:
  s3gw-launch run      [flags] [-- radosgw args]   Run the gateway once (standalone profile)
  s3gw-launch watchdog [flags] [-- radosgw args]   Relaunch the gateway whenever it exits (watchdog profile)
  s3gw-launch args     [flags] [-- radosgw args]   Print the resolved gateway command line
  s3gw-launch profiles                             List built-in profiles

Flags:
`

// options holds every command-line flag.
type options struct {
	profile        string
	radosgw        string
	workdir        string
	backend        string
	port           int
	threadPoolSize int
	debugRGW       int
	probeEndpoint  string
	restartPolicy  string
	restartDelay   time.Duration
	restartMax     time.Duration
	maxAttempts    int
	stopTimeout    time.Duration
	logLevel       string
	logFormat      string
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("s3gw-launch", flag.ContinueOnError)
	fs.StringVar(&o.profile, "profile", os.Getenv("S3GW_PROFILE"), "Profile: standalone, watchdog (default depends on the command)")
	fs.StringVar(&o.radosgw, "radosgw", os.Getenv("S3GW_RADOSGW"), "radosgw executable, relative to the working directory (overrides S3GW_RADOSGW)")
	fs.StringVar(&o.workdir, "workdir", os.Getenv("S3GW_WORKDIR"), "Gateway working and data directory (overrides S3GW_WORKDIR)")
	fs.StringVar(&o.backend, "backend", os.Getenv("S3GW_LAUNCH_BACKEND"), "Backend: exec, systemd, auto (overrides S3GW_LAUNCH_BACKEND)")
	fs.IntVar(&o.port, "port", 0, "Beast frontend port")
	fs.IntVar(&o.threadPoolSize, "thread-pool-size", 0, "radosgw worker threads")
	fs.IntVar(&o.debugRGW, "debug-rgw", 0, "radosgw debug level (0-20)")
	fs.StringVar(&o.probeEndpoint, "probe-endpoint", "", "Where radosgw sends probe events")
	fs.StringVar(&o.restartPolicy, "restart-policy", "immediate", "Restart policy for watchdog: immediate, fixed, exponential")
	fs.DurationVar(&o.restartDelay, "restart-delay", 0, "Delay before relaunching (fixed) or initial delay (exponential)")
	fs.DurationVar(&o.restartMax, "restart-max-delay", 0, "Upper bound for exponential delays (0 = none)")
	fs.IntVar(&o.maxAttempts, "max-attempts", 0, "Stop after this many launches (0 = unlimited)")
	fs.DurationVar(&o.stopTimeout, "stop-timeout", 10*time.Second, "Grace period between SIGTERM and SIGKILL on shutdown")
	fs.StringVar(&o.logLevel, "log-level", os.Getenv("S3GW_LAUNCH_LOG_LEVEL"), "Log level: debug, info, warn, error (overrides S3GW_LAUNCH_LOG_LEVEL)")
	fs.StringVar(&o.logFormat, "log-format", "auto", "Log format: auto, text, json")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	return fs
}

// defaultProfile is the profile each command uses without --profile.
func defaultProfile(cmd string) string {
	if cmd == "watchdog" {
		return "watchdog"
	}
	return "standalone"
}

// resolveProfile applies flag overrides on top of the selected profile.
// Arguments after "--" are passed through to radosgw.
func resolveProfile(fs *flag.FlagSet, o *options, cmd string) (gateway.Profile, error) {
	name := o.profile
	if name == "" {
		name = defaultProfile(cmd)
	}
	p, err := gateway.Lookup(name)
	if err != nil {
		return gateway.Profile{}, err
	}

	if o.radosgw != "" {
		p.Options.Binary = o.radosgw
	}
	if o.workdir != "" {
		p.Options.WorkDir = o.workdir
	}
	if fs.Changed("port") {
		p.Options.Port = o.port
	}
	if fs.Changed("thread-pool-size") {
		p.Options.ThreadPoolSize = o.threadPoolSize
	}
	if fs.Changed("debug-rgw") {
		p.Options.DebugRGW = o.debugRGW
	}
	if fs.Changed("probe-endpoint") {
		p.Options.ProbeEndpoint = o.probeEndpoint
	}

	extra, err := passthroughArgs(fs)
	if err != nil {
		return gateway.Profile{}, err
	}
	p.Options.ExtraArgs = append(p.Options.ExtraArgs, extra...)

	return p, p.Options.Validate()
}

// passthroughArgs returns the arguments after "--". Anything between the
// command name and "--" is an error.
func passthroughArgs(fs *flag.FlagSet) ([]string, error) {
	args := fs.Args()
	dash := fs.ArgsLenAtDash()
	if dash < 0 {
		if len(args) > 1 {
			return nil, fmt.Errorf("unexpected arguments %q (put radosgw arguments after --)", args[1:])
		}
		return nil, nil
	}
	if dash > 1 {
		return nil, fmt.Errorf("unexpected arguments %q before --", args[1:dash])
	}
	return args[dash:], nil
}

func main() {
	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	args := fs.Args()
	if len(args) == 0 || (fs.ArgsLenAtDash() == 0) {
		fs.Usage()
		os.Exit(2)
	}

	cmd := args[0]
	switch cmd {
	case "run":
		os.Exit(cmdSupervise(fs, &o, cmd, launch.SingleRun))
	case "watchdog":
		os.Exit(cmdSupervise(fs, &o, cmd, launch.RespawnForever))
	case "args":
		cmdArgs(fs, &o, cmd)
	case "profiles":
		cmdProfiles(os.Stdout)
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdArgs(fs *flag.FlagSet, o *options, cmd string) {
	p, err := resolveProfile(fs, o, cmd)
	if err != nil {
		fatal("%v", err)
	}
	spec := p.Options.LaunchSpec()
	fmt.Printf("cd %s && %s\n", spec.Dir, spec)
}

func cmdProfiles(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODE\tWORKDIR\tDESCRIPTION")
	for _, p := range gateway.Profiles() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Mode, p.Options.WorkDir, p.Description)
	}
	tw.Flush()
}

// cmdSupervise runs the gateway in mode and returns the launcher's exit code.
func cmdSupervise(fs *flag.FlagSet, o *options, cmd string, mode launch.Mode) int {
	logger, err := logging.Setup(o.logLevel, o.logFormat)
	if err != nil {
		fatal("%v", err)
	}

	p, err := resolveProfile(fs, o, cmd)
	if err != nil {
		fatal("%v", err)
	}
	policy, err := supervisor.ParsePolicy(o.restartPolicy, o.restartDelay, o.restartMax, o.maxAttempts)
	if err != nil {
		fatal("%v", err)
	}
	kind, err := backend.ParseKind(o.backend)
	if err != nil {
		fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bk, err := backend.Open(ctx, backend.Config{
		Kind:        kind,
		StopTimeout: o.stopTimeout,
		Logger:      logger,
	})
	if err != nil {
		fatal("opening %s backend: %v", kind, err)
	}
	defer bk.Close()

	events := eventlog.Open("s3gw-launch", logger)
	defer events.Close()

	notifier := &systemd.Notifier{Logger: logger}
	go func() {
		if err := notifier.KeepAlive(ctx); err != nil {
			logger.Warn("systemd watchdog keep-alive stopped", "error", err)
		}
	}()

	sup := supervisor.New(supervisor.Config{
		Executor: bk,
		Policy:   policy,
		Events:   events,
		Notifier: notifier,
		Logger:   logger,
	})

	spec := p.Options.LaunchSpec()
	logger.Info("supervising gateway",
		"profile", p.Name,
		"mode", mode,
		"policy", fmt.Sprint(policy),
		"dir", spec.Dir,
		"command", spec.String(),
	)

	status, err := sup.Run(ctx, mode, spec)
	return exitCode(logger, mode, status, err)
}

// exitCode maps the supervision outcome to the launcher's exit code.
func exitCode(logger *slog.Logger, mode launch.Mode, status launch.ExitStatus, err error) int {
	switch {
	case err == nil && mode == launch.SingleRun:
		return status.ProcessExitCode()
	case errors.Is(err, context.Canceled):
		logger.Info("stopped by signal")
		return 0
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	default:
		return 0
	}
}
