package monlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevelAcceptsAllDocumentedLevels(t *testing.T) {
	for _, s := range []string{"off", "error", "warn", "info", "debug", "trace", "DEBUG", "Info"} {
		l, err := ParseLevel(s)
		require.NoError(t, err, s)
		require.NotEmpty(t, l)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestParseDriverAcceptsAllDocumentedDrivers(t *testing.T) {
	for _, s := range []string{"stdout", "systemd", "file", "STDOUT"} {
		d, err := ParseDriver(s)
		require.NoError(t, err, s)
		require.NotEmpty(t, d)
	}
}

func TestParseDriverRejectsUnknown(t *testing.T) {
	_, err := ParseDriver("syslog")
	require.Error(t, err)
}

func TestNewFileDriverCreatesDailyFile(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "monlog-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	logger, closeFn, err := New(LevelInfo, DriverFile, dir)
	require.NoError(t, err)
	defer closeFn()

	logger.Info().Msg("hello")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "conmonrs.")

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestDailyFileWriterRotatesOnDateChange(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "monlog-rotate-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	w, err := newDailyFileWriter(dir, "test")
	require.NoError(t, err)
	defer w.Close()

	today := time.Now().UTC()
	require.NoError(t, w.rotateLocked(today))
	firstDay := w.day

	tomorrow := today.Add(24 * time.Hour)
	require.NoError(t, w.rotateLocked(tomorrow))
	require.NotEqual(t, firstDay, w.day)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestNewRejectsUnsupportedDriver(t *testing.T) {
	_, _, err := New(LevelInfo, Driver("bogus"), "")
	require.Error(t, err)
}
