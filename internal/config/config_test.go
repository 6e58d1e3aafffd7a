package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 4, cfg.Plugins.Workers)
	assert.Equal(t, 30, cfg.Plugins.ActivationTimeout)
	assert.True(t, cfg.Security.SignatureRequired)
	assert.True(t, cfg.Security.StrictCapabilityChecking)
	assert.False(t, cfg.Security.AllowExternalDependencies)
	assert.True(t, cfg.HotReload.Enabled)
	assert.Equal(t, 300, cfg.HotReload.DebounceMS)
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, "@every 1h", cfg.Audit.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	t.Run("rejects unknown log level", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "verbose"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})

	t.Run("rejects zero workers", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Plugins.Workers = 0

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "plugins.workers")
	})

	t.Run("rejects debounce outside window", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HotReload.DebounceMS = 50

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "debounce_ms")
	})

	t.Run("enabled gateway needs a token", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Enabled = true

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth_token")

		cfg.Gateway.AuthToken = "a-long-enough-secret-token"
		require.NoError(t, cfg.Validate())
	})

	t.Run("enabled gateway rejects bad port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Enabled = true
		cfg.Gateway.AuthToken = "a-long-enough-secret-token"
		cfg.Gateway.Port = 70000

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gateway.port")
	})

	t.Run("enabled audit rejects bad schedule", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Audit.Schedule = "every hour on the hour"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "audit.schedule")
	})

	t.Run("disabled audit skips schedule check", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Audit.Enabled = false
		cfg.Audit.Schedule = "nonsense"

		require.NoError(t, cfg.Validate())
	})

	t.Run("rejects malformed trusted key ID", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Security.TrustedKeyIDs = []string{"release", "../escape"}

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "../escape")
	})

	t.Run("enabled hooks need a directory", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Hooks.Enabled = true

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hooks.dir")
	})
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.AuthToken = "super-secret-token-value"

	out := cfg.String()

	assert.False(t, strings.Contains(out, "super-secret-token-value"), "auth token must be masked")
	assert.Contains(t, out, "***")
	assert.Contains(t, out, "hot_reload")
}
