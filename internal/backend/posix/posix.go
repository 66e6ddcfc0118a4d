// Package posix provides the exec backend: radosgw runs as a direct child of
// the launcher, in its own process group, and dies with it.
package posix

import (
	"context"

	"github.com/aquarist-labs/s3gw-launch/internal/backend"
	"github.com/aquarist-labs/s3gw-launch/internal/executor"
)

func init() {
	backend.Register(backend.KindExec, Open)
}

// PosixBackend wraps an ExecExecutor.
type PosixBackend struct {
	*executor.ExecExecutor
}

var _ backend.Backend = (*PosixBackend)(nil)

// Open constructs the exec backend.
func Open(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	return &PosixBackend{
		ExecExecutor: &executor.ExecExecutor{
			Stdin:       cfg.Stdin,
			Stdout:      cfg.Stdout,
			Stderr:      cfg.Stderr,
			StopTimeout: cfg.StopTimeout,
		},
	}, nil
}

// Close is a no-op; children are owned by their Process handles.
func (b *PosixBackend) Close() error {
	return nil
}
