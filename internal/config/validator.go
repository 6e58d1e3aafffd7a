package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var keyIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Validator validates individual configuration values with actionable
// error messages.
type Validator struct{}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates the logging level
func (v *Validator) ValidateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", level)
	}
}

// ValidatePort validates a TCP listen port
func (v *Validator) ValidatePort(port int, field string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", field, port)
	}
	return nil
}

// ValidateDebounce validates the hot-reload debounce window. The watcher
// clamps out-of-range values at runtime, but a configured value outside the
// window is almost always a typo, so reject it up front.
func (v *Validator) ValidateDebounce(ms int) error {
	if ms == 0 {
		return nil // zero means "use the default"
	}
	if ms < 200 || ms > 400 {
		return fmt.Errorf("hot_reload.debounce_ms must be between 200 and 400, got %d", ms)
	}
	return nil
}

// ValidateSchedule validates a cron schedule expression, including
// descriptors like "@hourly" and "@every 1h"
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("audit.schedule is required when the audit sweep is enabled")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("audit.schedule %q is not a valid cron expression: %v", schedule, err)
	}
	return nil
}

// ValidateKeyID validates a trusted key identifier. Key IDs become
// <id>.pub filenames in the trusted keys directory, so they must be
// filesystem-safe.
func (v *Validator) ValidateKeyID(id string) error {
	if id == "" {
		return fmt.Errorf("security.trusted_key_ids entries must not be empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("trusted key ID %q is too long (max 64 characters)", id)
	}
	if !keyIDPattern.MatchString(id) {
		return fmt.Errorf("trusted key ID %q may only contain letters, digits, dots, dashes and underscores", id)
	}
	return nil
}

// ValidateAuthToken validates the gateway bearer token
func (v *Validator) ValidateAuthToken(token string) error {
	if token == "" {
		return fmt.Errorf("gateway.auth_token is required when the gateway is enabled")
	}
	if len(token) < 16 {
		return fmt.Errorf("gateway.auth_token must be at least 16 characters, got %d", len(token))
	}
	return nil
}
