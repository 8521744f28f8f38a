// Package supervisor implements C7: the monitor process's own lifecycle —
// daemonising off the engine that spawned it, installing signal handlers,
// and driving graceful shutdown.
//
// Go has no fork(2) without cgo, so the classic double-fork daemonize
// handshake (engine spawns conmon synchronously, parent exits once the
// grandchild is ready, grandchild writes its PID to a pidfile and closes a
// handshake pipe) is realised here as a single self-re-exec: the first
// invocation (the "parent") re-execs itself detached with Setsid, passing
// the handshake pipe's write end as an inherited fd,
// then waits on the read end and exits as soon as the detached copy
// signals readiness — collapsing the historical double-fork into one
// re-exec while preserving the same external timeline the engine depends
// on (pidfile present and readable by the time the spawning call returns).
//
// The wire shape of the handshake payload — a JSON {"data":<pid>,
// "message":<err>} line written once to the pipe — mirrors the syncInfo
// struct the sylabs singularity oci_conmon_linux.go caller reads from
// conmon's real _OCI_SYNCPIPE, so a caller already written against
// historical conmon's handshake needs no changes.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// daemonChildEnv marks a re-exec'd process as the detached grandchild; its
// presence tells main() to skip daemonisation and run the supervisor loop
// directly.
const daemonChildEnv = "_CONMON_GO_DAEMON_CHILD"

// handshakeFD is the fd number the detached child's handshake pipe write
// end is placed at via exec.Cmd.ExtraFiles (fd 3, the first fd after the
// standard three).
const handshakeFD = 3

type syncInfo struct {
	Data    int    `json:"data"`
	Message string `json:"message,omitempty"`
}

// IsDaemonChild reports whether the current process is the re-exec'd,
// detached copy that should run the supervisor loop directly rather than
// daemonising again.
func IsDaemonChild() bool {
	return os.Getenv(daemonChildEnv) == "1"
}

// Daemonize re-execs the current binary (same argv, same env plus the
// daemon-child marker) detached from the engine's process group, and
// blocks until the detached copy reports readiness (or dies trying),
// returning its PID. Call this from main() before doing any other setup,
// guarded by !IsDaemonChild().
func Daemonize(pidFilePath string) (pid int, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create handshake pipe: %w", err)
	}
	defer r.Close()

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable path: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		w.Close()
		return 0, fmt.Errorf("start detached monitor: %w", err)
	}
	w.Close()
	// The parent's job ends at the handshake; it must not wait on a
	// process it is deliberately detaching from (Setsid makes it a
	// session leader the parent no longer reaps).
	cmd.Process.Release()

	si, err := readHandshake(r)
	if err != nil {
		return 0, fmt.Errorf("daemonize handshake: %w", err)
	}
	if si.Message != "" {
		return 0, fmt.Errorf("monitor startup failed: %s", si.Message)
	}
	return si.Data, nil
}

func readHandshake(r *os.File) (*syncInfo, error) {
	rdr := bufio.NewReader(r)
	line, err := rdr.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("read handshake pipe: %w", err)
	}
	var si syncInfo
	if err := json.Unmarshal(line, &si); err != nil {
		return nil, fmt.Errorf("parse handshake payload %q: %w", line, err)
	}
	return &si, nil
}

// SignalReady is called by the detached child once it has written its
// pidfile and opened its RPC socket: it writes the handshake payload to
// the inherited pipe fd and closes it, which is what lets Daemonize's
// caller return.
func SignalReady(pid int) {
	signalHandshake(syncInfo{Data: pid})
}

// SignalFailed reports a startup failure over the handshake pipe so the
// detaching parent can surface it instead of hanging until a timeout.
func SignalFailed(err error) {
	signalHandshake(syncInfo{Data: -1, Message: err.Error()})
}

func signalHandshake(si syncInfo) {
	f := os.NewFile(handshakeFD, "handshake-pipe")
	if f == nil {
		return
	}
	defer f.Close()
	buf, _ := json.Marshal(si)
	buf = append(buf, '\n')
	f.Write(buf)
}

// WritePIDFile writes pid as decimal ASCII to path, in the monitor's
// run-dir layout.
func WritePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// RemovePIDFile removes the pidfile. The client normally removes it after
// handshake, but the monitor also cleans it up on exit as a backstop in
// case no client ever connected.
func RemovePIDFile(path string) {
	os.Remove(path)
}

// ShutdownHook is invoked once graceful shutdown begins: implementations
// stop accepting new RPCs, SIGKILL every live container, and await
// reaping + exit-file writes.
type ShutdownHook func()

// Loop owns the monitor process's signal handling and graceful-shutdown
// timeline.
type Loop struct {
	log             zerolog.Logger
	shutdownTimeout time.Duration

	sigCh chan os.Signal
	done  chan struct{}
}

// New returns a Loop with the default 10s graceful-shutdown bound.
func New(log zerolog.Logger) *Loop {
	return &Loop{
		log:             log,
		shutdownTimeout: 10 * time.Second,
		sigCh:           make(chan os.Signal, 8),
		done:            make(chan struct{}),
	}
}

// WithShutdownTimeout overrides the default graceful-shutdown bound.
func (l *Loop) WithShutdownTimeout(d time.Duration) *Loop {
	l.shutdownTimeout = d
	return l
}

// Run installs signal handlers and blocks until SIGINT or SIGTERM is
// received, then runs onShutdown and returns. SIGPIPE is ignored for the
// lifetime of the call (a disconnected attach client or RPC peer must not
// kill the monitor on a broken-pipe write). SIGCHLD is
// deliberately not touched here: internal/reaper installs its own
// independent signal.Notify channel for it, since Go fans one signal out
// to every registered channel.
func (l *Loop) Run(onShutdown ShutdownHook) {
	signal.Notify(l.sigCh, unix.SIGINT, unix.SIGTERM)
	signal.Ignore(unix.SIGPIPE)
	defer signal.Stop(l.sigCh)

	sig := <-l.sigCh
	l.log.Info().Str("signal", sig.String()).Msg("starting graceful shutdown")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		onShutdown()
	}()

	select {
	case <-shutdownDone:
		l.log.Info().Msg("graceful shutdown complete")
	case <-time.After(l.shutdownTimeout):
		l.log.Warn().Dur("timeout", l.shutdownTimeout).Msg("graceful shutdown exceeded bound, exiting immediately")
	}
	close(l.done)
}

// Done is closed once Run's shutdown sequence has finished (or timed out).
func (l *Loop) Done() <-chan struct{} { return l.done }

// AlreadyRunning dials sockPath and closes the connection at once: if
// another monitor is already listening there, startup should be aborted
// and the existing instance reused. A socket file that nothing listens on
// does not count. Only the connect is attempted; no Version RPC is issued.
func AlreadyRunning(sockPath string) bool {
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
