package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/conduit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "", "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "interactive configuration wizard")
	})

	t.Run("should save the wizard answers", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "conduit.json")

		output, err := execute(t, "echo\n\nsqlite\n\ns3cret\n", "--config", path, "configure")
		require.NoError(t, err)
		assert.Contains(t, output, "Event store database file ["+filepath.Join(dir, "events.db")+"]")
		assert.Contains(t, output, "Configuration saved to: "+path)
		assert.Contains(t, output, "conduit serve --config "+path)
		assert.NotContains(t, output, "Updating")

		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "echo", cfg.LLM.Provider)
		assert.Equal(t, "sqlite", cfg.EventStore.Driver)
		assert.Equal(t, filepath.Join(dir, "events.db"), cfg.EventStore.Path)
		assert.Equal(t, "s3cret", cfg.Server.SharedSecret)
	})

	t.Run("should keep schedules and webhooks from an existing file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "conduit.json")
		data := `{
  "llm": {"provider": "echo", "model": "echo"},
  "schedules": [{"name": "tick", "kind": "every", "every_ms": 60000, "event_type": "Tick"}],
  "webhooks": [{"path": "/hooks/ci", "event_type": "BuildFinished"}]
}`
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))

		output, err := execute(t, "echo\n\nmemory\n\n", "--config", path, "configure")
		require.NoError(t, err)
		assert.Contains(t, output, "Updating "+path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.Len(t, cfg.Schedules, 1)
		assert.Equal(t, "tick", cfg.Schedules[0].Name)
		require.Len(t, cfg.Webhooks, 1)
		assert.Equal(t, "/hooks/ci", cfg.Webhooks[0].Path)
		assert.Equal(t, "memory", cfg.EventStore.Driver)
	})

	t.Run("should fail on truncated input", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conduit.json")

		_, err := execute(t, "openai\n", "--config", path, "configure")
		assert.ErrorContains(t, err, "configuration failed")
		assert.NoFileExists(t, path)
	})
}
