package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	// Verify pipeline metrics
	if m.PluginLoadsTotal == nil {
		t.Error("PluginLoadsTotal is nil")
	}
	if m.PluginLoadDuration == nil {
		t.Error("PluginLoadDuration is nil")
	}
	if m.GateFailuresTotal == nil {
		t.Error("GateFailuresTotal is nil")
	}

	// Verify registry metrics
	if m.ModulesActive == nil {
		t.Error("ModulesActive is nil")
	}
	if m.ToolsRegistered == nil {
		t.Error("ToolsRegistered is nil")
	}
	if m.ToolsSkipped == nil {
		t.Error("ToolsSkipped is nil")
	}

	// Verify reload metrics
	if m.ReloadsTotal == nil {
		t.Error("ReloadsTotal is nil")
	}
	if m.ReloadDuration == nil {
		t.Error("ReloadDuration is nil")
	}
	if m.WatchEntries == nil {
		t.Error("WatchEntries is nil")
	}

	// Verify invocation and audit metrics
	if m.ToolInvocationsTotal == nil {
		t.Error("ToolInvocationsTotal is nil")
	}
	if m.AuditSweepsTotal == nil {
		t.Error("AuditSweepsTotal is nil")
	}
	if m.AuditTamperTotal == nil {
		t.Error("AuditTamperTotal is nil")
	}
	if m.WebsocketClients == nil {
		t.Error("WebsocketClients is nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	// Record some sample metrics so they appear in output
	m.PluginLoadsTotal.WithLabelValues("scanner", "loaded").Inc()
	m.PluginLoadDuration.WithLabelValues("scanner").Observe(0.2)
	m.GateFailuresTotal.WithLabelValues("integrity", "rogue").Inc()
	m.ModulesActive.Set(3)
	m.ToolsRegistered.Set(12)
	m.ToolsSkipped.Set(2)
	m.ReloadsTotal.WithLabelValues("module", "success").Inc()
	m.ReloadDuration.WithLabelValues("module").Observe(0.05)
	m.WatchEntries.Set(4)
	m.ToolInvocationsTotal.WithLabelValues("ping_sweep", "success").Inc()
	m.AuditSweepsTotal.Inc()
	m.AuditTamperTotal.WithLabelValues("rogue").Inc()

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	// Test HTTP endpoint
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	// Verify metrics are exposed
	expectedMetrics := []string{
		"plugin_loads_total",
		"plugin_load_duration_seconds",
		"plugin_gate_failures_total",
		"modules_active",
		"tools_registered",
		"tools_skipped",
		"reloads_total",
		"reload_duration_seconds",
		"watch_entries",
		"tool_invocations_total",
		"audit_sweeps_total",
		"audit_tamper_total",
		"websocket_clients",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()

	registry := m.Registry()
	if registry == nil {
		t.Fatal("Registry returned nil")
	}

	// Record some sample metrics so they appear in gather
	m.PluginLoadsTotal.WithLabelValues("scanner", "loaded").Inc()
	m.GateFailuresTotal.WithLabelValues("signature", "rogue").Inc()
	m.ReloadsTotal.WithLabelValues("plugin", "failure").Inc()

	// Verify metrics are registered
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Error("No metrics registered")
	}
}
