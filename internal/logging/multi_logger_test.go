package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), "line %q", sc.Text())
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func newSyncLogSinks(t *testing.T) (*bytes.Buffer, string, *MultiLogger) {
	t.Helper()
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "sync.log")
	file, err := NewFileLogger(FileLoggerConfig{FilePath: path, Level: DEBUG, RedactSensitive: true})
	require.NoError(t, err)

	multi := NewMultiLogger(
		NewConsoleLogger(ConsoleLoggerConfig{Writer: &console, Level: INFO, RedactSensitive: true}),
		file,
	)
	t.Cleanup(func() { _ = multi.Close() })
	return &console, path, multi
}

func TestMultiLogger_OperationReachesBothSinks(t *testing.T) {
	console, path, multi := newSyncLogSinks(t)

	multi.Info("Operation completed", F("kind", "upload"), F("rel", "notes/a b.md"), F("bytes", 42))
	require.NoError(t, multi.Close())

	assert.Equal(t, "INFO  Operation completed kind=upload rel=\"notes/a b.md\" bytes=42\n", console.String())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "Operation completed", entries[0].Message)
	assert.Equal(t, "notes/a b.md", entries[0].Fields["rel"])
	assert.Equal(t, float64(42), entries[0].Fields["bytes"])
}

func TestMultiLogger_SinksKeepTheirOwnLevels(t *testing.T) {
	console, path, multi := newSyncLogSinks(t)

	multi.Debug("Operation started", F("kind", "download"), F("rel", "b.md"))
	multi.Warn("Malformed index entries dropped", F("entries", []string{"x", "y"}))
	require.NoError(t, multi.Close())

	assert.NotContains(t, console.String(), "Operation started")
	assert.Contains(t, console.String(), "WARN  Malformed index entries dropped entries=x,y")

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "DEBUG", entries[0].Level)
	assert.Equal(t, "WARN", entries[1].Level)
}

func TestMultiLogger_TraceIDFromRunContext(t *testing.T) {
	console, path, multi := newSyncLogSinks(t)

	ctx := ContextWithTraceID(context.Background(), "9f86d081884c7d65")
	multi.WithContext(ctx).Error("Task failed", F("rel", "c.md"), F("error", os.ErrPermission))
	multi.WithContext(context.Background()).Info("untraced")
	require.NoError(t, multi.Close())

	assert.Contains(t, console.String(), "ERROR [9f86d081] Task failed rel=c.md error=\"permission denied\"")
	assert.Contains(t, console.String(), "INFO  untraced\n")

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "9f86d081884c7d65", entries[0].TraceID)
	assert.Equal(t, "permission denied", entries[0].Fields["error"])
	assert.Empty(t, entries[1].TraceID)
}

func TestMultiLogger_RedactsInEverySink(t *testing.T) {
	console, path, multi := newSyncLogSinks(t)

	multi.Info("Token refreshed", F("response", `{"access_token":"y0_secret","expires_in":31536000}`))
	multi.Info("Fetched download link", F("href", "https://downloader.disk.yandex.ru/disk/abc123?sign=zzz"))
	require.NoError(t, multi.Close())

	for _, out := range []string{console.String(), readFile(t, path)} {
		assert.NotContains(t, out, "y0_secret")
		assert.NotContains(t, out, "sign=zzz")
		assert.Contains(t, out, "expires_in")
		assert.Contains(t, out, "downloader.disk.yandex.ru")
	}
}

func TestMultiLogger_SetLevelAppliesToAll(t *testing.T) {
	console, path, multi := newSyncLogSinks(t)

	multi.SetLevel(ERROR)
	multi.Warn("dropped")
	multi.Error("kept")
	require.NoError(t, multi.Close())

	assert.Equal(t, "ERROR kept\n", console.String())
	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
