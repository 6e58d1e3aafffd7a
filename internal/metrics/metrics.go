package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the plugin host
type Metrics struct {
	registry *prometheus.Registry

	// Plugin load pipeline metrics
	PluginLoadsTotal   *prometheus.CounterVec
	PluginLoadDuration *prometheus.HistogramVec
	GateFailuresTotal  *prometheus.CounterVec

	// Registry metrics
	ModulesActive   prometheus.Gauge
	ToolsRegistered prometheus.Gauge
	ToolsSkipped    prometheus.Gauge

	// Hot reload metrics
	ReloadsTotal   *prometheus.CounterVec
	ReloadDuration *prometheus.HistogramVec
	WatchEntries   prometheus.Gauge

	// Tool invocation metrics
	ToolInvocationsTotal *prometheus.CounterVec

	// Audit metrics
	AuditSweepsTotal prometheus.Counter
	AuditTamperTotal *prometheus.CounterVec
	WebsocketClients prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		// Plugin load pipeline metrics
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_loads_total",
				Help: "Total number of plugin load attempts",
			},
			[]string{"plugin", "status"},
		),
		PluginLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugin_load_duration_seconds",
				Help:    "Duration of plugin loads in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
		GateFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_gate_failures_total",
				Help: "Total number of trust gate failures by gate",
			},
			[]string{"gate", "plugin"},
		),

		// Registry metrics
		ModulesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modules_active",
				Help: "Number of currently active modules",
			},
		),
		ToolsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tools_registered",
				Help: "Number of tools in the registry ledger",
			},
		),
		ToolsSkipped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tools_skipped",
				Help: "Duplicate tool registrations skipped since the last ledger reset",
			},
		),

		// Hot reload metrics
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloads_total",
				Help: "Total number of hot reloads",
			},
			[]string{"kind", "status"},
		),
		ReloadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reload_duration_seconds",
				Help:    "Duration of hot reloads in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		WatchEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "watch_entries",
				Help: "Number of units registered with the hot-reload watcher",
			},
		),

		// Tool invocation metrics
		ToolInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_invocations_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),

		// Audit metrics
		AuditSweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_sweeps_total",
				Help: "Total number of integrity audit sweeps",
			},
		),
		AuditTamperTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_tamper_total",
				Help: "Total number of tamper detections by plugin",
			},
			[]string{"plugin"},
		),
		WebsocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),
	}

	// Register all metrics
	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	// Plugin load pipeline metrics
	m.registry.MustRegister(m.PluginLoadsTotal)
	m.registry.MustRegister(m.PluginLoadDuration)
	m.registry.MustRegister(m.GateFailuresTotal)

	// Registry metrics
	m.registry.MustRegister(m.ModulesActive)
	m.registry.MustRegister(m.ToolsRegistered)
	m.registry.MustRegister(m.ToolsSkipped)

	// Hot reload metrics
	m.registry.MustRegister(m.ReloadsTotal)
	m.registry.MustRegister(m.ReloadDuration)
	m.registry.MustRegister(m.WatchEntries)

	// Tool invocation metrics
	m.registry.MustRegister(m.ToolInvocationsTotal)

	// Audit metrics
	m.registry.MustRegister(m.AuditSweepsTotal)
	m.registry.MustRegister(m.AuditTamperTotal)
	m.registry.MustRegister(m.WebsocketClients)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
