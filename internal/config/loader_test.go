package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("missing file returns defaults with derived paths", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

		cfg, err := loader.Load()
		require.NoError(t, err)

		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "plugins", "builtin"), cfg.Plugins.BuiltinDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "plugins", "workspace"), cfg.Plugins.WorkspaceDir)
		assert.Equal(t, []string{filepath.Join(cfg.DataDir, "modules")}, cfg.Modules.Dirs)
		assert.Equal(t, filepath.Join(cfg.DataDir, "keys"), cfg.Security.TrustedKeysDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "registry.db"), cfg.Registry.DatabasePath)
		assert.Equal(t, filepath.Join(cfg.DataDir, "logs", "benteng.log"), cfg.Logging.File)
	})

	t.Run("reads file and keeps defaults for absent sections", func(t *testing.T) {
		dir := t.TempDir()
		configPath := filepath.Join(dir, "benteng.json")
		content := `{
			"data_dir": "` + dir + `",
			"gateway": {
				"enabled": true,
				"port": 9000,
				"auth_token": "a-long-enough-secret-token"
			},
			"hot_reload": {
				"debounce_ms": 250
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.True(t, cfg.Gateway.Enabled)
		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, 250, cfg.HotReload.DebounceMS)

		// Absent sections keep their defaults.
		assert.Equal(t, 4, cfg.Plugins.Workers)
		assert.Equal(t, "@every 1h", cfg.Audit.Schedule)
		assert.True(t, cfg.Security.SignatureRequired)

		// Paths derive from the configured data dir.
		assert.Equal(t, filepath.Join(dir, "registry.db"), cfg.Registry.DatabasePath)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "benteng.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

		_, err := Load(configPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "benteng.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = 8500
	cfg.Gateway.AuthToken = "a-long-enough-secret-token"
	cfg.Plugins.Disabled = []string{"legacy-scanner"}

	require.NoError(t, loader.Save(cfg))

	// Round-trip through a fresh loader.
	reloaded, err := NewLoader(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, dir, reloaded.DataDir)
	assert.True(t, reloaded.Gateway.Enabled)
	assert.Equal(t, 8500, reloaded.Gateway.Port)
	assert.Equal(t, "a-long-enough-secret-token", reloaded.Gateway.AuthToken)
	assert.Equal(t, []string{"legacy-scanner"}, reloaded.Plugins.Disabled)
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("explicit path wins", func(t *testing.T) {
		loader := NewLoader("/tmp/custom.json")
		assert.Equal(t, "/tmp/custom.json", loader.GetConfigPath())
	})

	t.Run("defaults under home", func(t *testing.T) {
		loader := NewLoader("")
		path := loader.GetConfigPath()
		assert.Contains(t, path, ".benteng")
		assert.Contains(t, path, "benteng.json")
	})
}
