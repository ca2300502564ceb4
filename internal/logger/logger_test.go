package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempinbox/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("无效级别回退到info", func(t *testing.T) {
		log, err := NewLogger(config.LogConfig{Level: "verbose"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(-1))
		assert.True(t, log.Core().Enabled(0))
	})

	t.Run("写入日志文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "app.log")
		log, err := NewLogger(config.LogConfig{Level: "info", File: file, MaxSize: 1})
		require.NoError(t, err)

		log.Info("hello")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})
}

func TestNewLogger_Development(t *testing.T) {
	t.Run("开发模式启用debug", func(t *testing.T) {
		log, err := NewLogger(config.LogConfig{Level: "debug", Development: true})
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(-1))
	})

	t.Run("日志目录无法创建", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		require.NoError(t, os.WriteFile(blocker, nil, 0o600))

		_, err := NewLogger(config.LogConfig{File: filepath.Join(blocker, "app.log")})
		assert.ErrorContains(t, err, "create log directory")
	})
}
