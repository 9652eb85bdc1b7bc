package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/devpipeline/internal/config"
)

func TestNewWithSinkJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithSink(config.LogConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("stage finished", zap.String("task_id", "t-1"), zap.String("stage", "lint"))
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "stage finished", entry["msg"])
	assert.Equal(t, "t-1", entry["task_id"])
	assert.Equal(t, "lint", entry["stage"])
	assert.Contains(t, entry, "ts")
}

func TestNewWithSinkConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithSink(config.LogConfig{Level: "debug", Format: "console"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("routing", zap.String("executor", "hybrid"))
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "routing")
	assert.Contains(t, buf.String(), `"executor": "hybrid"`)
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := NewWithSink(config.LogConfig{Level: "loud", Format: "json"}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)

	_, err = NewWithSink(config.LogConfig{Level: "info", Format: "xml"}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)
}
