package config

import (
	"encoding/json"
	"fmt"
)

// Config holds the complete benteng configuration
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Plugins   PluginsConfig   `json:"plugins" mapstructure:"plugins"`
	Modules   ModulesConfig   `json:"modules" mapstructure:"modules"`
	Security  SecurityConfig  `json:"security" mapstructure:"security"`
	Registry  RegistryConfig  `json:"registry" mapstructure:"registry"`
	HotReload HotReloadConfig `json:"hot_reload" mapstructure:"hot_reload"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	Audit     AuditConfig     `json:"audit" mapstructure:"audit"`
	Hooks     HooksConfig     `json:"hooks" mapstructure:"hooks"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// PluginsConfig holds plugin discovery and load settings
type PluginsConfig struct {
	BuiltinDir        string   `json:"builtin_dir" mapstructure:"builtin_dir"`
	WorkspaceDir      string   `json:"workspace_dir" mapstructure:"workspace_dir"`
	ExtraDirs         []string `json:"extra_dirs" mapstructure:"extra_dirs"`
	Disabled          []string `json:"disabled" mapstructure:"disabled"`
	Workers           int      `json:"workers" mapstructure:"workers"`
	ActivationTimeout int      `json:"activation_timeout" mapstructure:"activation_timeout"` // seconds
}

// ModulesConfig holds descriptor module settings
type ModulesConfig struct {
	Dirs []string `json:"dirs" mapstructure:"dirs"`
}

// SecurityConfig holds trust and verification policy
type SecurityConfig struct {
	SignatureRequired         bool     `json:"signature_required" mapstructure:"signature_required"`
	TrustedKeysDir            string   `json:"trusted_keys_dir" mapstructure:"trusted_keys_dir"`
	TrustedKeyIDs             []string `json:"trusted_key_ids" mapstructure:"trusted_key_ids"`
	AllowExternalDependencies bool     `json:"allow_external_dependencies" mapstructure:"allow_external_dependencies"`
	StrictCapabilityChecking  bool     `json:"strict_capability_checking" mapstructure:"strict_capability_checking"`
}

// RegistryConfig holds registry persistence settings
type RegistryConfig struct {
	DatabasePath string `json:"database_path" mapstructure:"database_path"`
}

// HotReloadConfig holds file watcher settings
type HotReloadConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	DebounceMS int  `json:"debounce_ms" mapstructure:"debounce_ms"`
}

// GatewayConfig holds the HTTP gateway settings
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`
}

// MetricsConfig holds the Prometheus listener settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// AuditConfig holds the periodic integrity sweep settings
type AuditConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Schedule        string `json:"schedule" mapstructure:"schedule"`
	DisableOnTamper bool   `json:"disable_on_tamper" mapstructure:"disable_on_tamper"`
}

// HooksConfig holds lifecycle hook settings
type HooksConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Plugins: PluginsConfig{
			BuiltinDir:        "",
			WorkspaceDir:      "",
			ExtraDirs:         []string{},
			Disabled:          []string{},
			Workers:           4,
			ActivationTimeout: 30,
		},
		Modules: ModulesConfig{
			Dirs: []string{},
		},
		Security: SecurityConfig{
			SignatureRequired:         true,
			TrustedKeysDir:            "",
			TrustedKeyIDs:             []string{},
			AllowExternalDependencies: false,
			StrictCapabilityChecking:  true,
		},
		Registry: RegistryConfig{
			DatabasePath: "",
		},
		HotReload: HotReloadConfig{
			Enabled:    true,
			DebounceMS: 300,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8321,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9321,
		},
		Audit: AuditConfig{
			Enabled:         true,
			Schedule:        "@every 1h",
			DisableOnTamper: false,
		},
		Hooks: HooksConfig{
			Enabled: false,
			Dir:     "",
			Timeout: 10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			File:      "",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Plugins.Workers < 1 {
		return fmt.Errorf("plugins.workers must be at least 1, got %d", c.Plugins.Workers)
	}

	if c.Plugins.ActivationTimeout < 1 {
		return fmt.Errorf("plugins.activation_timeout must be at least 1 second, got %d", c.Plugins.ActivationTimeout)
	}

	if err := v.ValidateDebounce(c.HotReload.DebounceMS); err != nil {
		return err
	}

	if c.Gateway.Enabled {
		if err := v.ValidatePort(c.Gateway.Port, "gateway.port"); err != nil {
			return err
		}
		if err := v.ValidateAuthToken(c.Gateway.AuthToken); err != nil {
			return err
		}
	}

	if c.Metrics.Enabled {
		if err := v.ValidatePort(c.Metrics.Port, "metrics.port"); err != nil {
			return err
		}
	}

	if c.Audit.Enabled {
		if err := v.ValidateSchedule(c.Audit.Schedule); err != nil {
			return err
		}
	}

	for _, id := range c.Security.TrustedKeyIDs {
		if err := v.ValidateKeyID(id); err != nil {
			return err
		}
	}

	if c.Hooks.Enabled {
		if c.Hooks.Dir == "" {
			return fmt.Errorf("hooks.dir is required when hooks are enabled")
		}
		if c.Hooks.Timeout < 1 {
			return fmt.Errorf("hooks.timeout must be at least 1 second, got %d", c.Hooks.Timeout)
		}
	}

	return nil
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.AuthToken != "" {
		masked.Gateway.AuthToken = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
