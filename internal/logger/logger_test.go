package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWriterReceivesStructuredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	l := NewLogger(&Config{Level: "debug", Writers: []string{"file"}, File: path})

	l.With("KeyStore").Info("leaf issued", "host", "example.com")
	l.LogMessage("ERROR", "handshake failed", "Tunnel")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"message":"leaf issued"`)
	assert.Contains(t, out, `"host":"example.com"`)
	assert.Contains(t, out, `"source":"KeyStore"`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"source":"Tunnel"`)
}

func TestSilentDropsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.log")
	l := NewLogger(&Config{Level: "debug", Writers: []string{"file"}, File: path, Silent: true})

	l.Error("should not appear")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "silent logger must not create the log file")
}

func TestLevelFiltersDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.log")
	l := NewLogger(&Config{Level: "info", Writers: []string{"file"}, File: path})

	l.Debug("hidden")
	l.Info("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
