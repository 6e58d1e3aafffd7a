package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from files and environment
type Loader struct {
	configPath string
}

// NewLoader creates a new configuration loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads configuration from file with environment variable overrides
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	// Set config file path
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".benteng", "benteng.json")
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		if err := l.applyDefaults(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Environment variable support
	v.SetEnvPrefix("BENTENG")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into config struct, seeded with defaults so absent
	// sections keep their default values.
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := l.applyDefaults(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in path settings that derive from the data directory.
func (l *Loader) applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".benteng")
	}

	if cfg.Plugins.BuiltinDir == "" {
		cfg.Plugins.BuiltinDir = filepath.Join(cfg.DataDir, "plugins", "builtin")
	}
	if cfg.Plugins.WorkspaceDir == "" {
		cfg.Plugins.WorkspaceDir = filepath.Join(cfg.DataDir, "plugins", "workspace")
	}
	if len(cfg.Modules.Dirs) == 0 {
		cfg.Modules.Dirs = []string{filepath.Join(cfg.DataDir, "modules")}
	}
	if cfg.Security.TrustedKeysDir == "" {
		cfg.Security.TrustedKeysDir = filepath.Join(cfg.DataDir, "keys")
	}
	if cfg.Registry.DatabasePath == "" {
		cfg.Registry.DatabasePath = filepath.Join(cfg.DataDir, "registry.db")
	}
	if cfg.Hooks.Enabled && cfg.Hooks.Dir == "" {
		cfg.Hooks.Dir = filepath.Join(cfg.DataDir, "hooks")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "logs", "benteng.log")
	}

	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".benteng", "benteng.json")
	}

	// Ensure directory exists
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Set all config values
	v.Set("data_dir", cfg.DataDir)
	v.Set("plugins", cfg.Plugins)
	v.Set("modules", cfg.Modules)
	v.Set("security", cfg.Security)
	v.Set("registry", cfg.Registry)
	v.Set("hot_reload", cfg.HotReload)
	v.Set("gateway", cfg.Gateway)
	v.Set("metrics", cfg.Metrics)
	v.Set("audit", cfg.Audit)
	v.Set("hooks", cfg.Hooks)
	v.Set("logging", cfg.Logging)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// Try SafeWriteConfig if file doesn't exist
		if err := v.SafeWriteConfig(); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the resolved config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".benteng", "benteng.json")
}

// Load is a convenience function that loads config with the default loader
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
