package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewIsNop(t *testing.T) {
	l := New()
	require.NotNil(t, l.Log)
	require.False(t, l.Log.Core().Enabled(zapcore.ErrorLevel))
}

func TestInitLevels(t *testing.T) {
	l := New()
	require.NoError(t, l.Init("warn"))
	require.False(t, l.Log.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Log.Core().Enabled(zapcore.WarnLevel))

	require.Error(t, l.Init("loud"))
}

func TestInitWithRotationWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	l := New()
	require.NoError(t, l.InitWithRotation("info", RotationConfig{File: path}))

	l.Log.Debug("hidden")
	l.Log.Info("compacted superseded changes")
	_ = l.Log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "compacted superseded changes", entry["msg"])
}

func TestNewRotatingWriterDefaults(t *testing.T) {
	_, err := NewRotatingWriter(RotationConfig{})
	require.Error(t, err)

	w, err := NewRotatingWriter(RotationConfig{File: filepath.Join(t.TempDir(), "a.log")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.Equal(t, 10, w.MaxSize)
	require.Equal(t, 5, w.MaxBackups)
}
