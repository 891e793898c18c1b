package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/histmanager/internal/config"
)

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histmanager.log")

	logger, closer, err := New(config.LoggingConfig{Level: "warn", Format: "json", Output: "file", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info("dropped")
	logger.Warn("store call failed", "itemid", 42, "tier", "history")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry), "exactly one JSON line is written")
	assert.Equal(t, "store call failed", entry["msg"])
	assert.Equal(t, float64(42), entry["itemid"])
}

func TestNewLevels(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "text", Output: "none"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger, _, err = New(config.LoggingConfig{})
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestNewRejectsBadSettings(t *testing.T) {
	tests := []config.LoggingConfig{
		{Level: "verbose"},
		{Output: "syslog"},
		{Format: "xml"},
		{Output: "file"},
	}
	for _, cfg := range tests {
		_, _, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}
