package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(os.Stdout)

	SetLevel("warn")
	defer SetLevel("INFO")

	Debug("debug %d", 1)
	Info("info %d", 2)
	Warn("warn %d", 3)
	Error("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "[WARN] warn 3")
	assert.Contains(t, out, "[ERROR] error 4")
	assert.False(t, Enabled(LevelInfo))
	assert.True(t, Enabled(LevelError))
}

func TestUnknownLevelIsIgnored(t *testing.T) {
	SetLevel("ERROR")
	SetLevel("verbose")
	defer SetLevel("INFO")

	assert.False(t, Enabled(LevelWarn))
}

func TestFileOutputAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blizzard.log")

	require.NoError(t, SetOutput(path))
	defer func() { _ = SetOutput("stdout") }()

	assert.Equal(t, path, OutputPath())
	Info("before rotation")

	rotated := filepath.Join(dir, "blizzard.log.1")
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, Reopen())
	Info("after rotation")

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(old), "before rotation")

	fresh, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(fresh), "after rotation")
	assert.NotContains(t, string(fresh), "before rotation")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}
