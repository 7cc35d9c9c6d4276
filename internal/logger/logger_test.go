package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	log := New(Options{LogFile: path})

	log.Debug("hidden")
	log.Info("chunk decoded", zap.Int64("chunk", 3))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "chunk decoded", entry["msg"])
	assert.Equal(t, float64(3), entry["chunk"])
}

func TestNewVerboseLevel(t *testing.T) {
	assert.True(t, New(Options{Verbose: true}).Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New(Options{}).Core().Enabled(zapcore.DebugLevel))
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 50, orDefault(0, 50))
	assert.Equal(t, 7, orDefault(7, 50))
}
