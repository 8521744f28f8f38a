// Package buildinfo carries the version metadata the monitor reports from
// the Version RPC and the --version-json CLI flag, matching conmon's own
// --version output shape.
package buildinfo

import (
	"fmt"

	"github.com/google/uuid"
)

// These are overridden at link time via -ldflags
// "-X github.com/containers/conmon-go/internal/buildinfo.Version=...".
var (
	Version   = "0.0.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// instanceID identifies this running monitor process uniquely, so an
// engine juggling many pod monitors can tell two Version replies with the
// same Version/GitCommit apart in its own logs; stamped once at process
// start, not at link time.
var instanceID = uuid.New().String()

// Info is the structured form returned by the Version RPC and rendered by
// --version-json.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
}

// Current returns the monitor's build metadata.
func Current() Info {
	return Info{Version: Version, GitCommit: GitCommit, BuildDate: BuildDate, InstanceID: instanceID}
}

// String renders a one-line human-readable form for --version.
func (i Info) String() string {
	return fmt.Sprintf("conmon-go version %s (commit %s, built %s, instance %s)", i.Version, i.GitCommit, i.BuildDate, i.InstanceID)
}
