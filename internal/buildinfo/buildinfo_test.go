package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrentReflectsPackageVars(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, GitCommit, BuildDate
	defer func() { Version, GitCommit, BuildDate = oldVersion, oldCommit, oldDate }()

	Version = "1.2.3"
	GitCommit = "deadbeef"
	BuildDate = "2026-07-31"

	info := Current()
	require.Equal(t, "1.2.3", info.Version)
	require.Equal(t, "deadbeef", info.GitCommit)
	require.Equal(t, "2026-07-31", info.BuildDate)
	require.NotEmpty(t, info.InstanceID)
}

func TestCurrentInstanceIDIsStableAcrossCalls(t *testing.T) {
	first := Current().InstanceID
	second := Current().InstanceID
	require.Equal(t, first, second)
}

func TestInfoStringIncludesAllFields(t *testing.T) {
	i := Info{Version: "1.0.0", GitCommit: "abc123", BuildDate: "today", InstanceID: "xyz"}
	s := i.String()

	require.Contains(t, s, "1.0.0")
	require.Contains(t, s, "abc123")
	require.Contains(t, s, "today")
	require.Contains(t, s, "xyz")
}
