package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "root")
	logger, err := New(Options{Dir: dir})
	require.NoError(t, err)

	logger.Named("stream").Info("event added", zap.Int("id", 3))
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "event added", entry["msg"])
	assert.Equal(t, "stream", entry["logger"])
	assert.Equal(t, float64(3), entry["id"])
	assert.Contains(t, entry, "time")
}

func TestDebugLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Options{Dir: dir, Debug: true})
	require.NoError(t, err)
	logger.Debug("visible")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "visible")
}
