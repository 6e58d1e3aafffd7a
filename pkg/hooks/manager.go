package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle events hooks can attach to.
const (
	EventPluginLoaded     = "plugin.loaded"
	EventPluginLoadFailed = "plugin.load.failed"
	EventModuleReloaded   = "module.reloaded"
	EventAuditTamper      = "audit.tamper"
	EventDaemonStartup    = "daemon.startup"
	EventDaemonShutdown   = "daemon.shutdown"
)

// Hook defines a lifecycle event hook.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// DiscoverHooks builds the hook set from a directory tree. Each
// subdirectory names an event and every executable file inside it becomes
// a hook for that event, so operators drop scripts in place instead of
// editing configuration:
//
//	<dir>/plugin.loaded/notify.sh
//	<dir>/audit.tamper/page-oncall.sh
//
// Files without the execute bit are skipped with a warning.
func DiscoverHooks(logger zerolog.Logger, dir string, timeout time.Duration) ([]Hook, error) {
	events, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks directory: %w", err)
	}

	var hooks []Hook
	for _, eventEntry := range events {
		if !eventEntry.IsDir() {
			continue
		}
		event := eventEntry.Name()

		scripts, err := os.ReadDir(filepath.Join(dir, event))
		if err != nil {
			return nil, fmt.Errorf("failed to read hooks for event %s: %w", event, err)
		}

		for _, script := range scripts {
			if script.IsDir() {
				continue
			}
			path := filepath.Join(dir, event, script.Name())

			info, err := script.Info()
			if err != nil {
				return nil, fmt.Errorf("failed to stat hook %s: %w", path, err)
			}
			if info.Mode()&0111 == 0 {
				logger.Warn().Str("path", path).Msg("Skipping non-executable hook script")
				continue
			}

			hooks = append(hooks, Hook{
				ID:      event + "/" + script.Name(),
				Event:   event,
				Script:  shellQuote(path),
				Timeout: timeout,
				Enabled: true,
			})
		}
	}

	return hooks, nil
}

// Trigger executes hooks registered for an event.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	if outputText != "" {
		m.logger.Debug().
			Str("event", event).
			Str("hook_id", hookID).
			Str("output", outputText).
			Msg("Hook executed")
	}

	return nil
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "BENTENG_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "BENTENG_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
