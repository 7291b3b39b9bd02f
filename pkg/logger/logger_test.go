package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	logger, err := New(Options{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(Options{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.log")

	logger, err := New(Options{Level: "info", File: path})
	require.NoError(t, err)
	logger.Info("Chunk published", zap.String("chunkID", "c-1"))
	logger.Debug("not written")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Chunk published"`)
	assert.Contains(t, string(data), `"chunkID":"c-1"`)
	assert.NotContains(t, string(data), "not written")
}
