package logdriver

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRIFileDriverWritesTaggedLines(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "logdriver-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "container.log")
	d, err := NewCRIFileDriver(path, 0)
	require.NoError(t, err)

	require.NoError(t, d.Write(Stdout, Full, []byte("hello")))
	require.NoError(t, d.Write(Stderr, Fragment, []byte("partial-chunk")))
	require.NoError(t, d.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], " stdout F hello")
	require.Contains(t, lines[1], " stderr P partial-chunk")
}

func TestCRIFileDriverTimestampUsesNumericUTCOffset(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "logdriver-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "container.log")
	d, err := NewCRIFileDriver(path, 0)
	require.NoError(t, err)

	require.NoError(t, d.Write(Stdout, Full, []byte("hello")))
	require.NoError(t, d.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	ts := strings.SplitN(lines[0], " ", 2)[0]
	require.True(t, strings.HasSuffix(ts, "+00:00"), "timestamp %q must end in a numeric UTC offset, not Z", ts)
	require.NotContains(t, ts, "Z")
}

func TestCRIFileDriverRotatesOnSize(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "logdriver-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "container.log")
	d, err := NewCRIFileDriver(path, 10)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Write(Stdout, Full, []byte("this line alone exceeds ten bytes")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size(), "rotation should have truncated the file back to empty")
}

func TestCRIFileDriverDegradesOnWriteFailure(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "logdriver-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "container.log")
	d, err := NewCRIFileDriver(path, 0)
	require.NoError(t, err)

	require.NoError(t, d.f.Close())
	require.Error(t, d.Write(Stdout, Full, []byte("will fail")))
	require.True(t, d.Degraded())

	// Once degraded, further writes are silently dropped rather than erroring.
	require.NoError(t, d.Write(Stdout, Full, []byte("dropped")))
}

func TestJSONFileDriverWritesOneObjectPerLine(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "logdriver-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "container.json.log")
	d, err := NewJSONFileDriver(path, 0)
	require.NoError(t, err)

	require.NoError(t, d.Write(Stdout, Full, []byte("hi")))
	require.NoError(t, d.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"stream":"stdout"`)
	require.Contains(t, lines[0], `"log":"hi"`)
}

func TestJSONFileDriverTimestampUsesNumericUTCOffset(t *testing.T) {
	dir, err := os.MkdirTemp(os.Getenv("HOME"), "logdriver-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "container.json.log")
	d, err := NewJSONFileDriver(path, 0)
	require.NoError(t, err)

	require.NoError(t, d.Write(Stdout, Full, []byte("hi")))
	require.NoError(t, d.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "+00:00")
	require.NotContains(t, lines[0], `"Z"`)
}

func TestStdoutDriverNeverRotatesOrDegradesOnBenignWrite(t *testing.T) {
	var sb strings.Builder
	d := NewStdoutDriver(&sb)
	require.NoError(t, d.Write(Stdout, Full, []byte("x")))
	require.NoError(t, d.Rotate(true))
	require.False(t, d.Degraded())
	require.Contains(t, sb.String(), "stdout F x")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}
