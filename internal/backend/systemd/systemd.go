// Package systemd provides the systemd backend: every launch becomes a
// transient service on the user (or, for root, system) instance.
package systemd

import (
	"context"

	"github.com/aquarist-labs/s3gw-launch/internal/backend"
	sd "github.com/aquarist-labs/s3gw-launch/internal/platform/systemd"
)

func init() {
	backend.Register(backend.KindSystemd, Open)
}

// Open connects to systemd and returns a unit-based backend.
func Open(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	e, err := sd.NewUnitExecutor(ctx)
	if err != nil {
		return nil, err
	}
	e.Stdin = cfg.Stdin
	e.Stdout = cfg.Stdout
	e.Stderr = cfg.Stderr
	e.StopTimeout = cfg.StopTimeout
	e.Logger = cfg.Logger
	cfg.Logger.Info("gateway launches run as transient systemd units; they are not bound to the launcher's lifetime")
	return e, nil
}
