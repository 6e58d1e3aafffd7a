package daemon

import (
	"context"
	"time"

	"github.com/harun/benteng/pkg/audit"
	"github.com/harun/benteng/pkg/gateway"
	"github.com/harun/benteng/pkg/hooks"
	"github.com/harun/benteng/pkg/hotreload"
	"github.com/harun/benteng/pkg/plugin"
)

// broadcast publishes an event to connected websocket clients. A nil
// gateway (disabled by config) makes it a no-op.
func (d *Daemon) broadcast(event string, data map[string]interface{}) {
	if d.gatewayServer == nil {
		return
	}
	d.gatewayServer.Broadcaster().Broadcast(event, data)
}

// recordLoadResult feeds one pipeline run into the metrics and announces
// every plugin that came up.
func (d *Daemon) recordLoadResult(result *plugin.LoadResult, loaded []*plugin.LoadedPlugin) {
	for _, name := range result.Loaded {
		d.metrics.PluginLoadsTotal.WithLabelValues(name, "loaded").Inc()
	}
	for _, name := range result.Failed {
		d.metrics.PluginLoadsTotal.WithLabelValues(name, "failed").Inc()
	}
	for _, name := range result.Skipped {
		d.metrics.PluginLoadsTotal.WithLabelValues(name, "skipped").Inc()
	}
	for _, lp := range loaded {
		d.metrics.PluginLoadDuration.WithLabelValues(lp.Name).Observe(lp.LoadDuration.Seconds())
		data := map[string]interface{}{
			"name":    lp.Name,
			"version": lp.Manifest.Version,
			"source":  string(lp.Source),
		}
		d.broadcast(gateway.EventModuleLoaded, data)
		d.triggerHookEvent(context.Background(), hooks.EventPluginLoaded, data)
	}
	for name, err := range result.Errors {
		d.broadcast(gateway.EventPluginLoadFailed, map[string]interface{}{
			"name":  name,
			"error": err.Error(),
		})
	}
}

// refreshGauges re-derives the ledger gauges from a registry snapshot.
func (d *Daemon) refreshGauges() {
	stats := d.registry.Stats()
	d.metrics.ModulesActive.Set(float64(stats.ModuleCount))
	d.metrics.ToolsRegistered.Set(float64(stats.ToolCount))
	d.metrics.ToolsSkipped.Set(float64(stats.SkippedTools))
	d.metrics.WatchEntries.Set(float64(len(d.hotReload.Status().Entries)))
}

// handleReload runs on the hot-reload goroutine after every reload attempt.
func (d *Daemon) handleReload(name string, kind hotreload.UnitKind, duration time.Duration, err error) {
	status := statusLabel(err == nil)
	d.metrics.ReloadsTotal.WithLabelValues(string(kind), status).Inc()
	d.metrics.ReloadDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	d.refreshGauges()

	data := map[string]interface{}{
		"name":       name,
		"kind":       string(kind),
		"durationMs": duration.Milliseconds(),
	}

	if err != nil {
		data["error"] = err.Error()
		if kind == hotreload.UnitPlugin {
			d.broadcast(gateway.EventPluginLoadFailed, data)
			d.triggerHookEvent(context.Background(), hooks.EventPluginLoadFailed, data)
		} else {
			d.broadcast(gateway.EventModuleReloaded, data)
		}
		return
	}

	d.broadcast(gateway.EventModuleReloaded, data)
	d.triggerHookEvent(context.Background(), hooks.EventModuleReloaded, data)
}

// handleTamper runs once per tampered plugin found by an audit sweep.
func (d *Daemon) handleTamper(rec audit.TamperRecord) {
	d.metrics.AuditTamperTotal.WithLabelValues(rec.Plugin).Inc()

	data := map[string]interface{}{
		"plugin": rec.Plugin,
		"path":   rec.Path,
		"detail": rec.Detail,
	}
	d.broadcast(gateway.EventAuditTamper, data)
	d.triggerHookEvent(context.Background(), hooks.EventAuditTamper, data)
}

// handleSweep runs after every audit sweep with its summary.
func (d *Daemon) handleSweep(summary audit.Summary) {
	d.metrics.AuditSweepsTotal.Inc()
	if len(summary.Tampered) > 0 {
		// A tamper sweep with DisableOnTamper set may have pulled modules
		// out of the ledger.
		d.refreshGauges()
	}
}
