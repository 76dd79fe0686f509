package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.log")
	l, err := New(path, false)
	require.NoError(t, err)

	l.Info("installing %s", "com.example.app")
	l.Debug("hidden without verbose")
	l.Warn("careful")
	l.Error("failed: %d", 42)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "installing com.example.app")
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "failed: 42")
	assert.NotContains(t, out, "hidden without verbose")
	assert.Equal(t, path, l.Path())
}

func TestLogger_VerboseIncludesDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verbose.log")
	l, err := New(path, true)
	require.NoError(t, err)

	l.Debug("uninstall attempt %d", 1)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "uninstall attempt 1"))
}

func TestLogger_CloseTwice(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "x.log"), false)
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())

	// Writes after close are dropped.
	l.Info("after close")
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	l.Info("nothing")
	l.Error("nothing")
	assert.Equal(t, "", l.Path())
	assert.NoError(t, l.Close())
	assert.NotNil(t, l.Writer())
}

func TestGlobal_InitAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.log")
	require.NoError(t, Init(path, false))

	Info("hello %s", "world")
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
	assert.Nil(t, Default())
}
