// Package cgroupwatch detects out-of-memory kills for a container's cgroup
// and drains a cgroup's processes before removal.
//
// Both hierarchies are watched with github.com/fsnotify/fsnotify: cgroup v1
// through memory.oom_control's under_oom line, cgroup v2 through the
// oom_kill counter in memory.events. No cgroup v1 eventfd is registered
// through cgroup.event_control.
package cgroupwatch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Version identifies which cgroup hierarchy a container's cgroup lives in.
type Version int

const (
	V1 Version = iota
	V2
)

// Watcher observes one container's cgroup for an OOM kill.
type Watcher struct {
	version Version
	path    string
}

// New returns a Watcher for the cgroup at path (the container's own cgroup
// directory, not the root hierarchy).
func New(version Version, path string) *Watcher {
	return &Watcher{version: version, path: path}
}

// Wait blocks until an OOM kill is observed, ctx is canceled, or the cgroup
// disappears (normal exit). It returns (true, nil) only on an observed OOM.
func (w *Watcher) Wait(ctx context.Context) (bool, error) {
	switch w.version {
	case V1:
		return w.waitV1(ctx)
	default:
		return w.waitV2(ctx)
	}
}

// waitV1 watches <path>/memory.oom_control with fsnotify and re-reads its
// "under_oom" line after each write or create event, returning true once
// it reads 1. It does not register an eventfd through cgroup.event_control
// (the classic libcontainer OOM-watch protocol), so it only sees an OOM
// that shows up as an inotify event on that file.
func (w *Watcher) waitV1(ctx context.Context) (bool, error) {
	path := filepath.Join(w.path, "memory.oom_control")
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("create oom watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(path); err != nil {
		return false, fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-fsWatcher.Events:
			if !ok {
				return false, nil
			}
			if ev.Op&fsnotify.Remove != 0 {
				return false, nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			underOOM, err := readUnderOOM(path)
			if err != nil {
				continue
			}
			if underOOM {
				return true, nil
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return false, nil
			}
			return false, err
		}
	}
}

func readUnderOOM(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "under_oom" {
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return false, err
			}
			return v == 1, nil
		}
	}
	return false, sc.Err()
}

// waitV2 watches memory.events for an increase in its oom_kill counter, per
// cgroup v2's documented replacement for the oom_control eventfd protocol.
func (w *Watcher) waitV2(ctx context.Context) (bool, error) {
	path := filepath.Join(w.path, "memory.events")
	last, err := readOOMKillCount(path)
	if err != nil {
		return false, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("create oom watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(path); err != nil {
		return false, fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-fsWatcher.Events:
			if !ok {
				return false, nil
			}
			if ev.Op&fsnotify.Remove != 0 {
				return false, nil
			}
			if ev.Op&fsnotify.Write == 0 {
				continue
			}
			cur, err := readOOMKillCount(path)
			if err != nil {
				continue
			}
			if cur > last {
				return true, nil
			}
			last = cur
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return false, nil
			}
			return false, err
		}
	}
}

func readOOMKillCount(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "oom_kill" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, sc.Err()
}

// DrainCgroup reports whether the cgroup at path has no remaining live
// processes (a missing cgroup.procs counts as drained). No other package
// calls it: the reaper runs cleanup commands without a drain check.
func DrainCgroup(version Version, path string) (bool, error) {
	name := "cgroup.procs"
	data, err := os.ReadFile(filepath.Join(path, name))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(strings.TrimSpace(string(data))) == 0, nil
}
