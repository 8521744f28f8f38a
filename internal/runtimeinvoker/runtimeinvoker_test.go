package runtimeinvoker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupportsCgroupManager(t *testing.T) {
	inv := &Invoker{DefaultCgroupManager: "cgroupfs", SupportedCgroupManagers: []string{"cgroupfs", "systemd"}}

	require.True(t, inv.SupportsCgroupManager(""))
	require.True(t, inv.SupportsCgroupManager("systemd"))
	require.False(t, inv.SupportsCgroupManager("per-command"))
}

func TestResolveCgroupManager(t *testing.T) {
	inv := &Invoker{DefaultCgroupManager: "cgroupfs"}
	require.Equal(t, "cgroupfs", inv.ResolveCgroupManager(""))
	require.Equal(t, "systemd", inv.ResolveCgroupManager("systemd"))
}

func TestReadPidFile(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "runtimeinvoker-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "pidfile")
	require.NoError(t, os.WriteFile(path, []byte("4242"), 0o644))

	pid, err := readPidFile(path)
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
}

func TestReadPidFileMissing(t *testing.T) {
	_, err := readPidFile("/nonexistent/pidfile")
	require.Error(t, err)
}

// fakeRuntimeScript writes a shell script standing in for the OCI runtime
// binary, so Exec/Kill/Delete/Start can be exercised without a real runc.
func fakeRuntimeScript(t *testing.T, body string) string {
	t.Helper()
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "runtimeinvoker-fake")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "fake-runtime")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecCapturesStdoutStderrAndExitCode(t *testing.T) {
	script := fakeRuntimeScript(t, `echo out-line; echo err-line 1>&2; exit 3`)
	inv := &Invoker{RuntimePath: script, RuntimeRoot: "/tmp"}

	res, err := inv.Exec(context.Background(), "c1", []string{"true"})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, string(res.Stdout), "out-line")
	require.Contains(t, string(res.Stderr), "err-line")
}

func TestExecZeroExitCode(t *testing.T) {
	script := fakeRuntimeScript(t, `exit 0`)
	inv := &Invoker{RuntimePath: script, RuntimeRoot: "/tmp"}

	res, err := inv.Exec(context.Background(), "c1", nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
}

func TestExecReportsTimedOutRatherThanAnExitCode(t *testing.T) {
	script := fakeRuntimeScript(t, `sleep 5`)
	inv := &Invoker{RuntimePath: script, RuntimeRoot: "/tmp"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := inv.Exec(ctx, "c1", nil)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
}

func TestSimpleSubcommandPropagatesFailure(t *testing.T) {
	script := fakeRuntimeScript(t, `exit 1`)
	inv := &Invoker{RuntimePath: script, RuntimeRoot: "/tmp"}

	err := inv.Start(context.Background(), "c1")
	require.Error(t, err)
}
