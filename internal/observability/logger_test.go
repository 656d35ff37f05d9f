// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/ctibridge/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("should colorize console levels", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "ctibridge",
			Colors:      config.ColorConfig{Info: "green"},
		}, zapcore.AddSync(&buf))
		require.NoError(t, err)

		logger.Named("silobreaker").Info("Processing list", zap.String("list", "138809"))
		require.NoError(t, logger.Sync())

		out := buf.String()
		assert.Contains(t, out, colorGreen+"INFO"+colorReset)
		assert.Contains(t, out, "ctibridge.silobreaker.")
		assert.Contains(t, out, "Processing list")
		assert.Contains(t, out, `"list": "138809"`)
	})

	t.Run("should leave levels without a color plain", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewLogger(config.LoggerConfig{Level: "info", Format: "console"}, zapcore.AddSync(&buf))
		require.NoError(t, err)

		logger.Warn("plain")
		assert.Contains(t, buf.String(), "WARN")
		assert.NotContains(t, buf.String(), colorReset)
	})

	t.Run("should emit structured json", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, zapcore.AddSync(&buf))
		require.NoError(t, err)

		logger.Warn("Transient failure, retrying", zap.String("url", "https://api.example/v2"), zap.Int("status", 429))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "Transient failure, retrying", entry["msg"])
		assert.Equal(t, float64(429), entry["status"])
	})

	t.Run("should filter below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewLogger(config.LoggerConfig{Level: "error", Format: "json"}, zapcore.AddSync(&buf))
		require.NoError(t, err)

		logger.Info("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("should reject an unknown level", func(t *testing.T) {
		_, err := NewLogger(config.LoggerConfig{Level: "chatty"}, zapcore.AddSync(&bytes.Buffer{}))
		assert.Error(t, err)
	})

	t.Run("should tee into a rotating log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ctibridge.log")
		logger, err := NewLogger(config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: path,
			MaxSize: 1,
		}, zapcore.AddSync(&bytes.Buffer{}))
		require.NoError(t, err)

		logger.Error("This should go to the file.")
		_ = logger.Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &entry), "the file core always writes json")
		assert.Equal(t, "This should go to the file.", entry["msg"])
	})
}

func TestInitialize(t *testing.T) {
	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bytes.Buffer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, zapcore.AddSync(&buf))
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, zapcore.AddSync(&buf))

		assert.Same(t, first, GetLogger())
		first.Info("test")
		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bytes.Buffer

		Initialize(config.LoggerConfig{Level: "chatty", Format: "json"}, zapcore.AddSync(&buf))
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("should return a fallback logger before initialization", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})
}
