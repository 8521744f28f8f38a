// Package monlog provides the monitor's own structured logger.
//
// It mirrors the log-construction contract used throughout lxcri (see
// cmd/lxcri-conmon/main.go: log.OpenFile + log.NewLogger(...).Logger()),
// wrapping github.com/rs/zerolog with the level/driver choices this monitor
// requires: level in {off,error,warn,info,debug,trace}, driver in
// {stdout,systemd,file}, with the file driver rotating daily by filename.
package monlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

// Level is the monitor's own log verbosity.
type Level string

const (
	LevelOff   Level = "off"
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
)

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelOff:
		return zerolog.Disabled
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel parses one of the CLI-accepted level strings.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(s))
	switch l {
	case LevelOff, LevelError, LevelWarn, LevelInfo, LevelDebug, LevelTrace:
		return l, nil
	default:
		return "", fmt.Errorf("unsupported log level %q", s)
	}
}

// Driver is where the monitor's own log lines are sent.
type Driver string

const (
	DriverStdout  Driver = "stdout"
	DriverSystemd Driver = "systemd"
	DriverFile    Driver = "file"
)

// ParseDriver parses one of the CLI-accepted driver strings.
func ParseDriver(s string) (Driver, error) {
	d := Driver(strings.ToLower(s))
	switch d {
	case DriverStdout, DriverSystemd, DriverFile:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported log driver %q", s)
	}
}

// journalWriter adapts journal.Send to io.Writer so it can back a
// zerolog.Logger the same way any other sink does.
type journalWriter struct{}

func (journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(string(p), journal.PriInfo, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// dailyFileWriter rotates to a new file named "<prefix>.YYYY-MM-DD" whenever
// the wall-clock date changes. No off-the-shelf rotator in the retrieval
// pack handles date-named (as opposed to size-based) rotation, so this is a
// small, narrowly scoped stdlib helper (see DESIGN.md).
type dailyFileWriter struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	day     string
	f       *os.File
}

func newDailyFileWriter(dir, prefix string) (*dailyFileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &dailyFileWriter{dir: dir, prefix: prefix}
	if err := w.rotateLocked(time.Now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyFileWriter) rotateLocked(now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	if w.f != nil && day == w.day {
		return nil
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%s.%s", w.prefix, day))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open daily log file: %w", err)
	}
	if w.f != nil {
		w.f.Close()
	}
	w.f = f
	w.day = day
	return nil
}

func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(time.Now()); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *dailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// New builds the monitor's own logger for the given level/driver. dir is
// only consulted for DriverFile (<run-dir>/logs).
func New(level Level, driver Driver, dir string) (zerolog.Logger, func() error, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w interface {
		Write(p []byte) (int, error)
	}
	closeFn := func() error { return nil }

	switch driver {
	case DriverStdout:
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	case DriverSystemd:
		w = journalWriter{}
	case DriverFile:
		dw, err := newDailyFileWriter(dir, "conmonrs")
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		w = dw
		closeFn = dw.Close
	default:
		return zerolog.Logger{}, nil, fmt.Errorf("unsupported log driver %q", driver)
	}

	logger := zerolog.New(w).Level(level.zerologLevel()).With().Timestamp().Logger()
	return logger, closeFn, nil
}
