// Package runtimeinvoker implements C9: shelling out to an external OCI
// runtime binary (runc, crun, or similar) for every lifecycle subcommand,
// and performing the console-socket PTY handshake when the container has a
// terminal.
//
// Grounded directly on runtime.go's runStartCmd/runStartCmdConsole: the
// SCM_RIGHTS send-the-pty-fd-over-a-unix-socket sequence there
// (net.Dialer.DialContext -> conn.File() -> pty.Start(cmd) ->
// unix.UnixRights + unix.Sendmsg) is reused close to verbatim, generalized
// from "dial a socket lxcri-start itself exposes" to "dial the console
// socket conmon-go hands to the OCI runtime on the command line", which
// reverses the roles: here this package is the listener, and the runtime
// process (or conmon-rs's own C equivalent, which is what this is modeled
// on) is the one that dials and sends the fd.
package runtimeinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Invoker shells out to one OCI runtime binary for every lifecycle
// operation.
type Invoker struct {
	// RuntimePath is the absolute or PATH-resolved runtime binary,
	// e.g. "runc" or "crun".
	RuntimePath string
	// RuntimeRoot is passed as --root to every invocation, keeping this
	// monitor's containers in a state directory separate from other
	// runtime users on the same host.
	RuntimeRoot string
	// Timeout bounds every invocation; exceeding it escalates to SIGKILL.
	Timeout time.Duration
	// DefaultCgroupManager is used when a request doesn't name one.
	DefaultCgroupManager string
	// SupportedCgroupManagers lists every manager this compiled monitor
	// can honor; a per-request override naming anything else must fail
	// with Unsupported rather than silently falling back to the default.
	SupportedCgroupManagers []string
}

// SupportsCgroupManager reports whether name is one this Invoker was
// built to honor. An empty name always resolves to DefaultCgroupManager
// and is always supported.
func (inv *Invoker) SupportsCgroupManager(name string) bool {
	if name == "" {
		return true
	}
	for _, m := range inv.SupportedCgroupManagers {
		if m == name {
			return true
		}
	}
	return false
}

// ResolveCgroupManager returns the manager a container should use: the
// request's override if set, otherwise the server default.
func (inv *Invoker) ResolveCgroupManager(requested string) string {
	if requested != "" {
		return requested
	}
	return inv.DefaultCgroupManager
}

// CreateResult is what Create reports back after the runtime process has
// created (but not yet started) the container's init process.
type CreateResult struct {
	PID           int
	ConsoleMaster *os.File // set only if the container requested a terminal

	// StdoutPipe/StderrPipe are the monitor-owned read ends of the
	// container's stdio pipes, set only when ConsoleMaster is nil (the
	// two are mutually exclusive). StdinPipe is the write end, set only
	// if the caller requested a stdin stream.
	StdoutPipe *os.File
	StderrPipe *os.File
	StdinPipe  *os.File
}

// Create runs `<runtime> create <id> -b <bundle> --pid-file <pidFile>
// [--console-socket <path>]`, waiting for both the runtime process to exit
// and, for terminal containers, the PTY master fd to arrive over the
// console socket. Without a terminal, the monitor instead opens stdio
// pipes and hands the runtime's own invocation their child ends: the
// runtime's `create` subcommand dup2's its own stdio into the forked
// container init before returning, so whatever fds conmon-go's `create`
// child process holds at fork time become the container's stdio.
func (inv *Invoker) Create(ctx context.Context, containerID, bundlePath, pidFilePath string, terminal bool, consoleSocketPath string, stdin bool) (*CreateResult, error) {
	args := []string{"--root", inv.RuntimeRoot, "create", containerID,
		"--bundle", bundlePath, "--pid-file", pidFilePath}

	var ln *net.UnixListener
	if terminal {
		var err error
		ln, err = net.ListenUnix("unix", &net.UnixAddr{Name: consoleSocketPath, Net: "unix"})
		if err != nil {
			return nil, fmt.Errorf("listen console socket %s: %w", consoleSocketPath, err)
		}
		defer ln.Close()
		args = append(args, "--console-socket", consoleSocketPath)
	}

	runCtx, cancel := inv.withTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.RuntimePath, args...)

	var stdoutR, stdoutW, stderrR, stderrW, stdinR, stdinW *os.File
	if !terminal {
		var err error
		if stdoutR, stdoutW, err = os.Pipe(); err != nil {
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		if stderrR, stderrW, err = os.Pipe(); err != nil {
			return nil, fmt.Errorf("create stderr pipe: %w", err)
		}
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		if stdin {
			if stdinR, stdinW, err = os.Pipe(); err != nil {
				return nil, fmt.Errorf("create stdin pipe: %w", err)
			}
			cmd.Stdin = stdinR
		}
	}

	var consoleMaster *os.File
	var acceptErr error
	acceptDone := make(chan struct{})
	if terminal {
		go func() {
			defer close(acceptDone)
			consoleMaster, acceptErr = acceptConsoleFD(ln, runCtx)
		}()
	} else {
		close(acceptDone)
	}

	runErr := runWithEscalation(runCtx, cmd)

	// Whether or not the child ends were ever used, the monitor must not
	// keep them open: a lingering write-end copy in this process would
	// stop stdoutR/stderrR from ever seeing EOF once the container exits.
	closeIfSet(stdoutW)
	closeIfSet(stderrW)
	closeIfSet(stdinR)

	if runErr != nil {
		closeIfSet(stdoutR)
		closeIfSet(stderrR)
		closeIfSet(stdinW)
		return nil, fmt.Errorf("%s create: %w", inv.RuntimePath, runErr)
	}

	if terminal {
		<-acceptDone
		if acceptErr != nil {
			return nil, fmt.Errorf("receive console fd: %w", acceptErr)
		}
	}

	pid, err := readPidFile(pidFilePath)
	if err != nil {
		return nil, err
	}

	return &CreateResult{
		PID:           pid,
		ConsoleMaster: consoleMaster,
		StdoutPipe:    stdoutR,
		StderrPipe:    stderrR,
		StdinPipe:     stdinW,
	}, nil
}

func closeIfSet(f *os.File) {
	if f != nil {
		f.Close()
	}
}

// acceptConsoleFD accepts one connection on the console socket listener and
// extracts the PTY master fd the runtime sent via SCM_RIGHTS, mirroring
// runStartCmdConsole's send side in reverse.
func acceptConsoleFD(ln *net.UnixListener, ctx context.Context) (*os.File, error) {
	if deadline, ok := ctx.Deadline(); ok {
		ln.SetDeadline(deadline)
	}
	conn, err := ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("accept console connection: %w", err)
	}
	defer conn.Close()

	sockFile, err := conn.File()
	if err != nil {
		return nil, fmt.Errorf("get file from console connection: %w", err)
	}
	defer sockFile.Close()

	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(int(sockFile.Fd()), buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("recvmsg on console socket: %w", err)
	}
	_ = n

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	if len(scms) == 0 {
		return nil, fmt.Errorf("no control message received on console socket")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, fmt.Errorf("parse unix rights: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("no file descriptors received on console socket")
	}
	return os.NewFile(uintptr(fds[0]), "console-master"), nil
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file %s: %w", path, err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// Start runs `<runtime> start <id>`.
func (inv *Invoker) Start(ctx context.Context, containerID string) error {
	return inv.simple(ctx, "start", containerID)
}

// State runs `<runtime> state <id>` and decodes its stdout as an OCI
// runtime-spec state document, matching container.go's ContainerState
// (itself a thin wrapper around specs.State). internal/rpcserver uses it
// after a container exits and sends `delete` only when the runtime reports
// specs.StateStopped (runtime.go:133-134's "invalid container state" check
// is a similar state guard, against specs.StateCreated there).
func (inv *Invoker) State(ctx context.Context, containerID string) (*specs.State, error) {
	runCtx, cancel := inv.withTimeout(ctx)
	defer cancel()

	args := []string{"--root", inv.RuntimeRoot, "state", containerID}
	cmd := exec.CommandContext(runCtx, inv.RuntimePath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := runWithEscalation(runCtx, cmd); err != nil {
		return nil, fmt.Errorf("%s state: %w", inv.RuntimePath, err)
	}

	var st specs.State
	if err := json.Unmarshal(stdout.Bytes(), &st); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", inv.RuntimePath, err)
	}
	return &st, nil
}

// Kill runs `<runtime> kill <id> <signal>`.
func (inv *Invoker) Kill(ctx context.Context, containerID string, sig unix.Signal) error {
	return inv.simple(ctx, "kill", containerID, fmt.Sprintf("%d", sig))
}

// Delete runs `<runtime> delete [--force] <id>`.
func (inv *Invoker) Delete(ctx context.Context, containerID string, force bool) error {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	return inv.simple(ctx, args[0], append(args[1:], containerID)...)
}

func (inv *Invoker) simple(ctx context.Context, subcommand string, rest ...string) error {
	runCtx, cancel := inv.withTimeout(ctx)
	defer cancel()

	args := append([]string{"--root", inv.RuntimeRoot, subcommand}, rest...)
	cmd := exec.CommandContext(runCtx, inv.RuntimePath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := runWithEscalation(runCtx, cmd); err != nil {
		return fmt.Errorf("%s %s: %w", inv.RuntimePath, subcommand, err)
	}
	return nil
}

// ExecResult is the outcome of a synchronous exec invocation. TimedOut is
// set when the invocation's context expired before the exec'd process
// returned; ExitCode is meaningless in that case, since the process was
// killed rather than having exited on its own.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// Exec runs `<runtime> exec <id> <args...>` synchronously, capturing
// stdout/stderr, for ExecSyncContainer. A timeout is reported through
// ExecResult.TimedOut rather than as an error: exec.CommandContext kills the
// child with SIGKILL once runCtx expires, which cmd.Run reports as an
// ordinary *exec.ExitError, so runCtx.Err() is checked directly instead of
// inferring timeout from the shape of the error.
func (inv *Invoker) Exec(ctx context.Context, containerID string, args []string) (*ExecResult, error) {
	runCtx, cancel := inv.withTimeout(ctx)
	defer cancel()

	full := append([]string{"--root", inv.RuntimeRoot, "exec", containerID}, args...)
	cmd := exec.CommandContext(runCtx, inv.RuntimePath, full...)

	var stdout, stderr bufferedWriter
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.buf, Stderr: stderr.buf}
	if runCtx.Err() != nil {
		res.TimedOut = true
		return res, nil
	}
	if err == nil {
		res.ExitCode = 0
		return res, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, fmt.Errorf("%s exec: %w", inv.RuntimePath, err)
}

type bufferedWriter struct{ buf []byte }

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// runWithEscalation runs cmd to completion, and if ctx's deadline fires
// before it exits, escalates SIGTERM then SIGKILL rather than relying
// solely on exec.CommandContext's default (SIGKILL-only) cancellation,
// giving the runtime a chance to clean up its own children.
func runWithEscalation(ctx context.Context, cmd *exec.Cmd) error {
	// exec.CommandContext's default Cancel sends SIGKILL as soon as ctx is
	// done; send SIGTERM instead so the grace period below applies.
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if cmd.Process != nil {
			cmd.Process.Signal(unix.SIGTERM)
		}
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			<-done
			return ctx.Err()
		}
	}
}

func (inv *Invoker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if inv.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, inv.Timeout)
}
