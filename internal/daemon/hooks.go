package daemon

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/benteng/internal/config"
	"github.com/harun/benteng/pkg/hooks"
)

// newHookManager discovers hook scripts under the configured directory when
// hooks are enabled, and returns a disabled no-op manager otherwise.
func newHookManager(cfg config.HooksConfig, zl zerolog.Logger) (*hooks.Manager, error) {
	if !cfg.Enabled {
		return hooks.NewManager(hooks.Config{Enabled: false, Logger: zl})
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if cfg.Timeout <= 0 {
		timeout = 10 * time.Second
	}

	discovered, err := hooks.DiscoverHooks(zl, cfg.Dir, timeout)
	if err != nil {
		return nil, err
	}

	return hooks.NewManager(hooks.Config{
		Enabled: true,
		Hooks:   discovered,
		Logger:  zl,
	})
}

func (d *Daemon) triggerHookEvent(ctx context.Context, event string, data map[string]interface{}) {
	if d.hooks == nil {
		return
	}
	if err := d.hooks.Trigger(ctx, event, data); err != nil {
		d.logger.Warn().Err(err).Str("event", event).Msg("Hooks failed")
	}
}

func (d *Daemon) triggerStartupHooks() {
	d.triggerHookEvent(context.Background(), hooks.EventDaemonStartup, map[string]interface{}{
		"pid": os.Getpid(),
	})
}

func (d *Daemon) triggerShutdownHooks() {
	d.triggerHookEvent(context.Background(), hooks.EventDaemonShutdown, map[string]interface{}{
		"pid": os.Getpid(),
	})
}
