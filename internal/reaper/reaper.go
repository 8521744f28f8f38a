// Package reaper implements C5: reaping exited container/exec processes,
// correlating SIGCHLD with the right container, racing that against a
// per-container OOM watch, and writing the exit-status/OOM-exit-status
// files external callers poll for.
//
// Grounded on container.go's isMonitorRunning/waitMonitorStopped polling
// loop (Wait4 + WNOHANG + ECHILD-fallback, already adapted once into
// internal/child.Handle.Alive), generalized here from "one poll loop per
// foreground wait call" into a single process-wide SIGCHLD-driven reaper
// goroutine that fans exit events out to whichever container the pid
// belongs to, plus a per-container OOM watcher race, covering the
// reaping/OOM/cleanup-command contract this monitor implements.
package reaper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rs/zerolog"

	"github.com/containers/conmon-go/internal/cgroupwatch"
	"github.com/containers/conmon-go/internal/registry"
)

// ExitObserver is notified once a tracked pid's exit status (and, if it
// raced ahead, its OOM status) are both known.
type ExitObserver func(containerID string, status registry.ExitStatus)

// Reaper owns the process-wide SIGCHLD signal channel and the table of
// pids currently being watched.
type Reaper struct {
	log zerolog.Logger

	mu      sync.Mutex
	waiting map[int]*waitEntry

	sigCh chan os.Signal
	stop  chan struct{}
}

type waitEntry struct {
	containerID string
	observer    ExitObserver
	oomCancel   context.CancelFunc
	oomCh       chan bool // receives true once if an OOM is observed; never closed
}

// New returns a Reaper that is not yet watching for SIGCHLD; call Run in
// its own goroutine to start the wait loop.
func New(log zerolog.Logger) *Reaper {
	return &Reaper{
		log:     log,
		waiting: make(map[int]*waitEntry),
		sigCh:   make(chan os.Signal, 64),
		stop:    make(chan struct{}),
	}
}

// Run installs the SIGCHLD handler and processes child exits until Close
// is called. It must be run in its own goroutine.
func (r *Reaper) Run() {
	signal.Notify(r.sigCh, unix.SIGCHLD)
	defer signal.Stop(r.sigCh)

	for {
		select {
		case <-r.stop:
			return
		case <-r.sigCh:
			r.reapAll()
		}
	}
}

// Close stops the wait loop.
func (r *Reaper) Close() {
	close(r.stop)
}

// Watch registers pid for reaping. If cgroupPath is non-empty, a
// concurrent OOM watch runs alongside the SIGCHLD-driven wait; an OOM it
// observes is buffered on the wait entry and reported as
// ExitStatus.OOMKilled when the SIGCHLD path reaps the pid. An OOM that
// is observed only after the pid has been reaped is not reported.
func (r *Reaper) Watch(containerID string, pid int, cgroupVersion cgroupwatch.Version, cgroupPath string, observer ExitObserver) {
	entry := &waitEntry{containerID: containerID, observer: observer}

	r.mu.Lock()
	r.waiting[pid] = entry
	r.mu.Unlock()

	if cgroupPath != "" {
		ctx, cancel := context.WithCancel(context.Background())
		entry.oomCancel = cancel
		entry.oomCh = make(chan bool, 1)
		watcher := cgroupwatch.New(cgroupVersion, cgroupPath)
		go func() {
			oom, err := watcher.Wait(ctx)
			if err != nil {
				return
			}
			if oom {
				entry.oomCh <- true
			}
		}()
	}

	// pid may already have exited before Watch was called (race between
	// process creation and registration); a zero-status non-blocking
	// reap attempt here closes that window.
	r.reapOne(pid)
}

func (r *Reaper) reapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		r.deliver(pid, ws)
	}
}

func (r *Reaper) reapOne(pid int) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if got != pid || err != nil {
		return
	}
	r.deliver(pid, ws)
}

func (r *Reaper) deliver(pid int, ws unix.WaitStatus) {
	r.mu.Lock()
	entry, ok := r.waiting[pid]
	if ok {
		delete(r.waiting, pid)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	exitCode := ws.ExitStatus()
	if ws.Signaled() {
		exitCode = 128 + int(ws.Signal())
	}
	status := registry.ExitStatus{
		ExitCode: exitCode,
		Signaled: ws.Signaled(),
	}

	if entry.oomCh != nil {
		select {
		case <-entry.oomCh:
			status.OOMKilled = true
		default:
		}
		entry.oomCancel()
	}

	r.log.Info().Str("container_id", entry.containerID).Int("pid", pid).
		Int("exit_code", status.ExitCode).Bool("signaled", status.Signaled).
		Bool("oom_killed", status.OOMKilled).Msg("reaped container process")

	entry.observer(entry.containerID, status)
}

// WriteExitFiles writes the container's exit-code file and, if it was OOM
// killed, its OOM-exit marker file, matching conmon's exit-file contract
// that external callers (the CRI shim) poll on.
func WriteExitFiles(exitPaths, oomExitPaths []string, status registry.ExitStatus) error {
	content := []byte(fmt.Sprintf("%d", status.ExitCode))
	for _, p := range exitPaths {
		if err := writeAtomic(p, content); err != nil {
			return fmt.Errorf("write exit file %s: %w", p, err)
		}
	}
	if status.OOMKilled {
		for _, p := range oomExitPaths {
			if err := writeAtomic(p, []byte{}); err != nil {
				return fmt.Errorf("write oom exit file %s: %w", p, err)
			}
		}
	}
	return nil
}

func writeAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RunCleanupCommand runs the container's configured post-exit cleanup
// command, logging but not propagating failures — cleanup commands are
// best-effort. It does not check whether the container's cgroup has
// drained first.
func RunCleanupCommand(log zerolog.Logger, containerID string, command []string) {
	if len(command) == 0 {
		return
	}
	cmd := exec.Command(command[0], command[1:]...)
	if err := cmd.Run(); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Strs("command", command).
			Msg("cleanup command failed")
	}
}
