// Package all registers all built-in launch backends.
//
// Import for side effects:
//
//	import _ "github.com/aquarist-labs/s3gw-launch/internal/backend/all"
package all

import (
	_ "github.com/aquarist-labs/s3gw-launch/internal/backend/posix"
	_ "github.com/aquarist-labs/s3gw-launch/internal/backend/systemd"
)
