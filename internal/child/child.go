// Package child implements C1: the handle on a single spawned OS process
// (a container's runtime-created init process, or a detached exec
// process).
//
// Grounded on lxcri's Container.isMonitorRunning/waitMonitorStopped
// (container.go), which polls unix.Wait4 in non-blocking mode to detect a
// liblxc monitor's death; generalized here from "is the liblxc monitor
// still alive" to "is this arbitrary child PID still alive", and extended
// with ownership of the child's stdio file descriptors (console PTY xor
// stdout/stderr pipes), matching the adopt/signal/await-exit contract this
// monitor needs for every spawned process.
package child

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Stdio is the xor'd FD set a Handle owns: either Console is set, or both
// Stdout and Stderr are set, but never both forms at once.
type Stdio struct {
	Console *os.File // PTY master, set only when the container/exec has a TTY
	Stdout  *os.File // stdout pipe read end, set only when Console is nil
	Stderr  *os.File // stderr pipe read end, set only when Console is nil
	Stdin   *os.File // stdin pipe write end, present only if stdin was requested
}

// ErrAlreadyAdopted is returned by Adopt if called twice on the same handle.
var ErrAlreadyAdopted = errors.New("child: already adopted")

// Handle owns a spawned process: its PID and the stdio FDs delivered to
// the monitor at creation time. A Handle never outlives its exit slot's
// consumer — callers call Close once the process has been reaped and its
// log/attach fan-out has drained.
type Handle struct {
	mu      sync.Mutex
	pid     int
	stdio   Stdio
	adopted bool
	closed  bool
}

// New returns an un-adopted Handle.
func New() *Handle {
	return &Handle{}
}

// Adopt takes ownership of pid and its stdio FDs. It may be called exactly
// once.
func (h *Handle) Adopt(pid int, stdio Stdio) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.adopted {
		return ErrAlreadyAdopted
	}
	h.pid = pid
	h.stdio = stdio
	h.adopted = true
	return nil
}

// PID returns the adopted process id, or 0 if Adopt hasn't run yet.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Stdio returns the FDs adopted for this child. Callers must not close
// them directly; use Close.
func (h *Handle) Stdio() Stdio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdio
}

// Signal delivers sig to the adopted process.
func (h *Handle) Signal(sig unix.Signal) error {
	pid := h.PID()
	if pid <= 0 {
		return errors.New("child: not adopted")
	}
	return unix.Kill(pid, sig)
}

// Alive reports whether the adopted PID is still running, using a
// non-blocking reap attempt the way Container.isMonitorRunning does: a
// successful WNOHANG wait for our own pid means it died; ECHILD means some
// other reaper already collected it (or it was never our child), so fall
// back to signal-0 probing.
func (h *Handle) Alive() bool {
	pid := h.PID()
	if pid < 1 {
		return false
	}

	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if got == pid {
		return false
	}
	if got == 0 {
		return true
	}
	if err == unix.ECHILD {
		if err := unix.Kill(pid, 0); err == nil {
			return true
		}
		return false
	}
	return false
}

// Close releases the stdio FDs. It is idempotent and safe to call even if
// Adopt was never called.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	var firstErr error
	closeIfSet := func(f *os.File) {
		if f == nil {
			return
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closeIfSet(h.stdio.Console)
	closeIfSet(h.stdio.Stdout)
	closeIfSet(h.stdio.Stderr)
	closeIfSet(h.stdio.Stdin)
	return firstErr
}
