package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLNeverNil(t *testing.T) {
	Set(nil)
	assert.NotNil(t, L())
}

func TestInitWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer devNull.Close()
	t.Cleanup(func() { Set(zap.NewNop()) })

	require.NoError(t, InitWithConsole(dir, "warn", devNull))
	L().Info("[Test] dropped below level")
	L().Warn("[Test] kept", zap.String("conversation_id", "c1"))
	Sync()

	files, err := filepath.Glob(filepath.Join(dir, "lunchrun_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conversation_id":"c1"`)
	assert.False(t, strings.Contains(string(data), "dropped below level"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel(" DEBUG "))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("loud"))
}
