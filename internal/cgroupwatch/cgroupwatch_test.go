package cgroupwatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadOOMKillCount(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "cgroupwatch-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "memory.events")
	require.NoError(t, os.WriteFile(path, []byte("low 0\nhigh 0\nmax 0\noom 1\noom_kill 3\n"), 0o644))

	n, err := readOOMKillCount(path)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestReadUnderOOM(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "cgroupwatch-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "memory.oom_control")
	require.NoError(t, os.WriteFile(path, []byte("oom_kill_disable 0\nunder_oom 1\n"), 0o644))

	under, err := readUnderOOM(path)
	require.NoError(t, err)
	require.True(t, under)
}

func TestDrainCgroupEmptyProcsIsDrained(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "cgroupwatch-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte("\n"), 0o644))

	drained, err := DrainCgroup(V2, dir)
	require.NoError(t, err)
	require.True(t, drained)
}

func TestDrainCgroupNonEmptyProcsIsNotDrained(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "cgroupwatch-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte("1234\n"), 0o644))

	drained, err := DrainCgroup(V2, dir)
	require.NoError(t, err)
	require.False(t, drained)
}

func TestDrainCgroupMissingDirIsDrained(t *testing.T) {
	drained, err := DrainCgroup(V2, "/nonexistent/cgroup/path")
	require.NoError(t, err)
	require.True(t, drained)
}
