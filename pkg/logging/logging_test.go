package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesRunFiles(t *testing.T) {
	base := t.TempDir()
	var console bytes.Buffer

	require.NoError(t, Init(LoggerConfig{BaseDir: base, Level: "info", Console: &console, SessionID: "run-1"}))
	t.Cleanup(CloseLogger)

	Info("Packaged application", "app", "7zip", "version", "25.01")
	Debug("hidden from console", "app", "7zip")

	dir := GetCurrentLogDir()
	require.NotEmpty(t, dir)
	assert.Equal(t, base, filepath.Dir(dir))
	assert.Equal(t, "run-1", GetSessionID())

	CloseLogger()

	text, err := os.ReadFile(filepath.Join(dir, "autopackager.log"))
	require.NoError(t, err)
	assert.Contains(t, string(text), "Packaged application")
	assert.Contains(t, string(text), "hidden from console")

	events, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(events)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"session_id":"run-1"`)
	assert.Contains(t, lines[0], `"app":"7zip"`)

	assert.Contains(t, console.String(), "Packaged application")
	assert.NotContains(t, console.String(), "hidden from console")
}

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init(LoggerConfig{BaseDir: t.TempDir(), Level: "loud"})
	assert.Error(t, err)
}

func TestPerformCleanup(t *testing.T) {
	base := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 4; i++ {
		name := old.Add(time.Duration(i) * time.Minute).Format(runDirLayout)
		require.NoError(t, os.MkdirAll(filepath.Join(base, name), 0755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(base, "not-a-run"), 0755))

	require.NoError(t, Init(LoggerConfig{
		BaseDir:   base,
		Console:   &bytes.Buffer{},
		Retention: RetentionPolicy{KeepRuns: 2},
	}))
	t.Cleanup(CloseLogger)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Len(t, names, 3)
	assert.Contains(t, names, "not-a-run")
	assert.Contains(t, names, filepath.Base(GetCurrentLogDir()))
}

func TestLoggingBeforeInit(t *testing.T) {
	CloseLogger()
	assert.NotPanics(t, func() {
		Warn("no logger yet", "key", "value")
	})
	assert.Empty(t, GetCurrentLogDir())
}
