package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9222", cfg.Addr)
		assert.True(t, cfg.Browser.Headless)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
addr: "0.0.0.0:4444"
browser:
  control_url: "ws://127.0.0.1:9333"
  headless: false
  launch_args: ["--no-sandbox"]
logging:
  level: debug
  development: true
`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:4444", cfg.Addr)
		assert.Equal(t, "ws://127.0.0.1:9333", cfg.Browser.ControlURL)
		assert.False(t, cfg.Browser.Headless)
		assert.Equal(t, []string{"--no-sandbox"}, cfg.Browser.LaunchArgs)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.Development)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("addr: [unclosed"), 0644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("addr: \"1.2.3.4:1\"\n"), 0644))

		t.Setenv("BIDID_ADDR", "127.0.0.1:7777")
		t.Setenv("BIDID_LOG_LEVEL", "warn")
		t.Setenv("BIDID_HEADLESS", "false")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:7777", cfg.Addr)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Browser.Headless)
	})
}

func TestBuildLogger(t *testing.T) {
	t.Run("level comes from config", func(t *testing.T) {
		lc := LoggingConfig{Level: "warn"}
		logger, level, err := lc.BuildLogger()
		require.NoError(t, err)
		defer logger.Sync()
		assert.Equal(t, zapcore.WarnLevel, level.Level())
	})

	t.Run("unknown level fails", func(t *testing.T) {
		lc := LoggingConfig{Level: "chatty"}
		_, _, err := lc.BuildLogger()
		require.Error(t, err)
	})
}

func TestWatcher(t *testing.T) {
	t.Run("level change in the file retargets the atomic level", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		w, err := NewWatcher(path, level, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

		require.Eventually(t, func() bool {
			return level.Level() == zapcore.DebugLevel
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("broken rewrite keeps the current level", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		w, err := NewWatcher(path, level, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(path, []byte("logging: [broken"), 0644))

		// Give the watcher a chance to see the write; the level must hold.
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, zapcore.InfoLevel, level.Level())
	})
}
