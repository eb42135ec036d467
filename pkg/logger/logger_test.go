package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoOnBadLevel(t *testing.T) {
	log, err := New(Options{Level: "nonsense"})
	require.NoError(t, err)
	log.Info("hello")
	log.Debug("suppressed")
}

func TestWithAttachesFields(t *testing.T) {
	log, err := New(Options{Level: "debug", Encoding: "console", Development: true})
	require.NoError(t, err)
	child := log.With("component", "reconciler")
	child.Debug("pass complete", "uid", "uid-1")
	child.Error("pass failed", assert.AnError, "uid", "uid-1")
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider.log")
	log, err := New(Options{Level: "info", File: path})
	require.NoError(t, err)

	log.Info("actor started", "actor", "MACTOR1")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "actor started")
	assert.Contains(t, string(data), "MACTOR1")
}
