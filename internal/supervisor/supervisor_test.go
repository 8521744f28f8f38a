package supervisor

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndRemovePIDFile(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "supervisor-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "pidfile")
	require.NoError(t, WritePIDFile(path, 4242))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "4242", string(content))

	RemovePIDFile(path)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestRemovePIDFileIsSafeWhenAbsent(t *testing.T) {
	RemovePIDFile("/nonexistent/pidfile")
}

func TestAlreadyRunning(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "supervisor-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	sockPath := filepath.Join(dir, "conmon.sock")
	require.False(t, AlreadyRunning(sockPath))

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	require.True(t, AlreadyRunning(sockPath))
}

func TestReadHandshakeParsesReadyPayload(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		w.WriteString(`{"data":4242}` + "\n")
		w.Close()
	}()

	si, err := readHandshake(r)
	require.NoError(t, err)
	require.Equal(t, 4242, si.Data)
	require.Empty(t, si.Message)
}

func TestReadHandshakeParsesFailurePayload(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		w.WriteString(`{"data":-1,"message":"boom"}` + "\n")
		w.Close()
	}()

	si, err := readHandshake(r)
	require.NoError(t, err)
	require.Equal(t, -1, si.Data)
	require.Equal(t, "boom", si.Message)
}

func TestIsDaemonChildReflectsEnv(t *testing.T) {
	os.Unsetenv(daemonChildEnv)
	require.False(t, IsDaemonChild())

	os.Setenv(daemonChildEnv, "1")
	defer os.Unsetenv(daemonChildEnv)
	require.True(t, IsDaemonChild())
}

