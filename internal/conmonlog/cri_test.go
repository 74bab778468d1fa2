package conmonlog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lxc/lxcri-conmon/internal/stdio"
	"github.com/stretchr/testify/require"
)

func TestCRIFileWritesFullLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctr.log")

	f, err := OpenCRIFile(path, 0)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, f.Write(stdio.StreamStdout, []byte("hello world\n"), now))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	fields := strings.SplitN(lines[0], " ", 4)
	require.Len(t, fields, 4)
	require.Equal(t, FormatTimestamp(now), fields[0])
	require.Equal(t, "stdout", fields[1])
	require.Equal(t, "F", fields[2])
	require.Equal(t, "hello world", fields[3])
}

func TestCRIFileTagsPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctr.log")

	f, err := OpenCRIFile(path, 0)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.Write(stdio.StreamStderr, []byte("no newline yet"), now))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	fields := strings.SplitN(lines[0], " ", 4)
	require.Equal(t, "stderr", fields[1])
	require.Equal(t, "P", fields[2])
	require.Equal(t, "no newline yet", fields[3])
}

func TestCRIFileSharesTimestampAcrossLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctr.log")

	f, err := OpenCRIFile(path, 0)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.Write(stdio.StreamStdout, []byte("first\nsecond\n"), now))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	for _, l := range lines {
		require.True(t, strings.HasPrefix(l, FormatTimestamp(now)+" "))
	}
}

func TestCRIFileRotatesOnSizeCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctr.log")

	// sizeCap small enough that the second write triggers rotation.
	f, err := OpenCRIFile(path, 40)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.Write(stdio.StreamStdout, []byte("aaaaaaaaaaaaaaaaaaaaaaaa\n"), now))
	sizeAfterFirst := f.BytesWritten()
	require.Greater(t, sizeAfterFirst, int64(0))

	require.NoError(t, f.Write(stdio.StreamStdout, []byte("bbbbbbbbbbbbbbbbbbbbbbbb\n"), now))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	// After rotation the file on disk only contains the second record.
	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.True(t, strings.Contains(lines[0], "bbbb"))
	require.False(t, strings.Contains(lines[0], "aaaa"))
}

func TestCRIFileReopenTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctr.log")

	f, err := OpenCRIFile(path, 0)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.Write(stdio.StreamStdout, []byte("before reopen\n"), now))
	require.NoError(t, f.Reopen())
	require.Equal(t, int64(0), f.BytesWritten())

	require.NoError(t, f.Write(stdio.StreamStdout, []byte("after reopen\n"), now))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.True(t, strings.Contains(lines[0], "after reopen"))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}
