package reaper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/containers/conmon-go/internal/registry"
)

func TestWriteExitFilesWritesExitCodeOnly(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "reaper-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	exitPath := filepath.Join(dir, "exit")
	oomPath := filepath.Join(dir, "oom")

	status := registry.ExitStatus{ExitCode: 7}
	require.NoError(t, WriteExitFiles([]string{exitPath}, []string{oomPath}, status))

	content, err := os.ReadFile(exitPath)
	require.NoError(t, err)
	require.Equal(t, "7", string(content))

	_, err = os.Stat(oomPath)
	require.True(t, os.IsNotExist(err), "oom marker must not be written for a non-OOM exit")
}

func TestWriteExitFilesWritesOOMMarkerWhenKilled(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "reaper-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	exitPath := filepath.Join(dir, "exit")
	oomPath := filepath.Join(dir, "oom")

	status := registry.ExitStatus{ExitCode: 137, OOMKilled: true}
	require.NoError(t, WriteExitFiles([]string{exitPath}, []string{oomPath}, status))

	_, err = os.Stat(oomPath)
	require.NoError(t, err)
}

func TestDeliverReportsNormalExitCodeUnchanged(t *testing.T) {
	r := New(zerolog.Nop())
	var got registry.ExitStatus
	r.waiting[4242] = &waitEntry{
		containerID: "c1",
		observer:    func(containerID string, status registry.ExitStatus) { got = status },
	}

	r.deliver(4242, unix.WaitStatus(3<<8)) // exited(3), not signaled

	require.False(t, got.Signaled)
	require.Equal(t, 3, got.ExitCode)
}

func TestDeliverReportsSignalledExitAs128PlusSignal(t *testing.T) {
	r := New(zerolog.Nop())
	var got registry.ExitStatus
	r.waiting[4243] = &waitEntry{
		containerID: "c1",
		observer:    func(containerID string, status registry.ExitStatus) { got = status },
	}

	r.deliver(4243, unix.WaitStatus(unix.SIGKILL)) // killed by SIGKILL

	require.True(t, got.Signaled)
	require.Equal(t, 128+int(unix.SIGKILL), got.ExitCode)
}

func TestRunCleanupCommandNoopOnEmptyCommand(t *testing.T) {
	// Must not panic or block when no cleanup command is configured.
	RunCleanupCommand(zerolog.Nop(), "c1", nil)
}

func TestRunCleanupCommandLogsButDoesNotPanicOnFailure(t *testing.T) {
	RunCleanupCommand(zerolog.Nop(), "c1", []string{"/bin/false"})
}
