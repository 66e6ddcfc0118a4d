// Package gateway knows how radosgw is invoked: the argument vector for an
// SFS-backed gateway and the built-in launch profiles.
package gateway

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/aquarist-labs/s3gw-launch/internal/launch"
)

// DefaultBinary is the radosgw build output relative to the working
// directory of the launcher.
const DefaultBinary = "../ceph/build/bin/radosgw"

// Options describes one radosgw invocation.
type Options struct {
	// Binary is the radosgw executable. Relative paths resolve against WorkDir.
	Binary string
	// WorkDir is both the child's working directory and, through ".", its
	// data, run and SFS directories.
	WorkDir string

	DebugRGW       int
	ThreadPoolSize int

	// Port enables a beast frontend on that port. Zero leaves the frontend
	// to radosgw's default.
	Port int

	RelaxedRegionEnforcement bool

	// DisableProbeEvents turns off the main and frontend-up probe events.
	DisableProbeEvents bool

	// ProbeEndpoint is where radosgw sends probe events, if set.
	ProbeEndpoint string

	// ExtraArgs are appended verbatim.
	ExtraArgs []string
}

// Args returns the radosgw argument vector, without the program name.
func (o Options) Args() []string {
	args := []string{
		"-d",
		"--no-mon-config",
		"--rgw-data", ".",
		"--run-dir", ".",
		"--rgw-sfs-data-path", ".",
		"--rgw-backend-store", "sfs",
		"--debug-rgw", strconv.Itoa(o.DebugRGW),
	}
	if o.Port > 0 {
		args = append(args, "--rgw_frontends", fmt.Sprintf("beast port=%d", o.Port))
	}
	args = append(args, "--rgw_thread_pool_size", strconv.Itoa(o.ThreadPoolSize))
	if o.RelaxedRegionEnforcement {
		args = append(args, "--rgw_relaxed_region_enforcement", "1")
	}
	if o.DisableProbeEvents {
		args = append(args,
			"--send-probe-evt-main", "false",
			"--send-probe-evt-frontend-up", "false",
		)
	}
	if o.ProbeEndpoint != "" {
		args = append(args, "--probe-endpoint", o.ProbeEndpoint)
	}
	return append(args, o.ExtraArgs...)
}

// LaunchSpec returns the spec that starts radosgw with these options.
func (o Options) LaunchSpec() launch.LaunchSpec {
	bin := o.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	return launch.NewLaunchSpec(bin, o.Args(), o.WorkDir)
}

// Validate rejects option values radosgw would refuse.
func (o Options) Validate() error {
	if o.WorkDir == "" {
		return fmt.Errorf("working directory is required")
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("invalid frontend port %d", o.Port)
	}
	if o.ThreadPoolSize <= 0 {
		return fmt.Errorf("thread pool size must be positive, got %d", o.ThreadPoolSize)
	}
	if o.DebugRGW < 0 || o.DebugRGW > 20 {
		return fmt.Errorf("debug level %d out of range 0-20", o.DebugRGW)
	}
	return nil
}

// Profile is a named, ready-to-run configuration.
type Profile struct {
	Name        string
	Description string
	Mode        launch.Mode
	Options     Options
}

// Standalone runs the gateway once on port 7482 with a single worker thread
// and probe events disabled.
func Standalone() Profile {
	return Profile{
		Name:        "standalone",
		Description: "single run on port 7482, one worker thread, probe events off",
		Mode:        launch.SingleRun,
		Options: Options{
			Binary:                   DefaultBinary,
			WorkDir:                  "../wd_sd",
			DebugRGW:                 5,
			Port:                     7482,
			ThreadPoolSize:           1,
			RelaxedRegionEnforcement: true,
			DisableProbeEvents:       true,
		},
	}
}

// Watchdog keeps the gateway running and reports probe events to a local
// collector.
func Watchdog() Profile {
	return Profile{
		Name:        "watchdog",
		Description: "respawn forever, 512 worker threads, probe events to localhost:8080",
		Mode:        launch.RespawnForever,
		Options: Options{
			Binary:         DefaultBinary,
			WorkDir:        "../wd",
			DebugRGW:       5,
			ThreadPoolSize: 512,
			ProbeEndpoint:  "http://localhost:8080",
		},
	}
}

var profiles = map[string]func() Profile{
	"standalone": Standalone,
	"watchdog":   Watchdog,
}

// Lookup returns the named built-in profile.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
	return p(), nil
}

// Profiles returns every built-in profile sorted by name.
func Profiles() []Profile {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Profile, 0, len(names))
	for _, name := range names {
		out = append(out, profiles[name]())
	}
	return out
}
