package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/benteng/internal/config"
	"github.com/harun/benteng/internal/logger"
	"github.com/harun/benteng/internal/metrics"
	"github.com/harun/benteng/pkg/audit"
	"github.com/harun/benteng/pkg/gateway"
	"github.com/harun/benteng/pkg/hooks"
	"github.com/harun/benteng/pkg/hotreload"
	"github.com/harun/benteng/pkg/module"
	"github.com/harun/benteng/pkg/plugin"
	"github.com/harun/benteng/pkg/registry"
)

// Daemon is the long-running plugin host process
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	// Core components
	store     *registry.Store
	registry  *registry.Registry
	trust     *plugin.TrustStore
	pipeline  *plugin.Pipeline
	binder    *module.Binder
	hotReload *hotreload.Manager
	hooks     *hooks.Manager

	// Services
	gatewayServer *gateway.Server
	metricsServer *http.Server
	auditor       *audit.Auditor

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		logger:  log,
		metrics: metrics.NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}

	// Initialize core components in dependency order
	if err := d.initializeCore(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core components: %w", err)
	}

	// Initialize optional services
	if err := d.initializeServices(); err != nil {
		cancel()
		if cleanupErr := d.registry.Cleanup(); cleanupErr != nil {
			log.Warn().Err(cleanupErr).Msg("Failed to clean up registry after init failure")
		}
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCore builds the trust and load machinery
func (d *Daemon) initializeCore() error {
	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	zl := d.logger.GetZerolog()

	store, err := registry.NewStore(zl, d.config.Registry.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open registry store: %w", err)
	}
	d.store = store

	d.registry = registry.NewRegistry(zl, store)
	if err := d.registry.Initialize(d.ctx); err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	moduleLoader := module.NewDescriptorLoader(zl)
	moduleCache := module.NewCache()

	// Recovery path: descriptor modules are re-imported without re-running
	// the trust pipeline; a failed re-import leaves that module inactive.
	restored, err := d.registry.LoadFromDatabase(d.ctx, func(rec registry.ModuleRecord) error {
		desc, err := moduleLoader.Load(rec.FilePath)
		if err != nil {
			return err
		}
		if desc.Name != rec.Name {
			return fmt.Errorf("descriptor at %s declares %q, ledger has %q", rec.FilePath, desc.Name, rec.Name)
		}
		moduleCache.Put(desc, rec.FilePath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore registry: %w", err)
	}
	d.logger.Info().Int("modules", restored).Msg("Registry restored from database")

	d.trust = plugin.NewTrustStore(zl)
	if err := d.loadTrustedKeys(); err != nil {
		return err
	}

	hookManager, err := newHookManager(d.config.Hooks, zl)
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hooks = hookManager
	d.logger.Info().Bool("enabled", d.config.Hooks.Enabled).Msg("Hook manager initialized")

	d.pipeline = plugin.NewPipeline(zl, d.trust, d.registry, plugin.PipelineConfig{
		SignatureRequired:         d.config.Security.SignatureRequired,
		StrictCapability:          d.config.Security.StrictCapabilityChecking,
		AllowExternalDependencies: d.config.Security.AllowExternalDependencies,
		Disabled:                  d.config.Plugins.Disabled,
		Workers:                   d.config.Plugins.Workers,
		ActivationTimeout:         time.Duration(d.config.Plugins.ActivationTimeout) * time.Second,
		OnGateFailure: func(name, gate string, _ error) {
			d.metrics.GateFailuresTotal.WithLabelValues(gate, name).Inc()
		},
	})
	d.logger.Info().
		Bool("signature_required", d.config.Security.SignatureRequired).
		Bool("strict_capability", d.config.Security.StrictCapabilityChecking).
		Msg("Load pipeline initialized")

	d.binder = module.NewBinder(zl, moduleLoader, d.registry, moduleCache)
	d.logger.Info().Msg("Module binder initialized")

	d.hotReload = hotreload.NewManager(zl, d.binder, d.pipeline, hotreload.Config{
		Debounce:      time.Duration(d.config.HotReload.DebounceMS) * time.Millisecond,
		ReloadTimeout: time.Duration(d.config.Plugins.ActivationTimeout) * time.Second,
		OnReload:      d.handleReload,
	})
	d.logger.Info().Msg("Hot-reload manager initialized")

	return nil
}

// loadTrustedKeys fills the trust store from the configured key directory.
// When signing is required the directory is created if absent so a fresh
// install starts with an empty store instead of an error; plugins then fail
// the signature gate individually until keys are provisioned.
func (d *Daemon) loadTrustedKeys() error {
	dir := d.config.Security.TrustedKeysDir
	if d.config.Security.SignatureRequired {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create trusted keys directory: %w", err)
		}
	} else if _, err := os.Stat(dir); os.IsNotExist(err) {
		d.logger.Debug().Str("dir", dir).Msg("No trusted keys directory, skipping key load")
		return nil
	}

	if err := d.trust.LoadDir(dir, d.config.Security.TrustedKeyIDs); err != nil {
		return fmt.Errorf("failed to load trusted keys: %w", err)
	}
	d.logger.Info().Str("dir", dir).Int("keys", d.trust.Len()).Msg("Trusted keys loaded")
	return nil
}

// initializeServices wires the gateway, metrics endpoint, and audit sweeps
func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	if d.config.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:      d.config.Gateway.Host,
			Port:      d.config.Gateway.Port,
			AuthToken: d.config.Gateway.AuthToken,
			Registry:  d.registry,
			Reloader:  d.hotReload,
			Logger:    zl,
			OnToolInvoked: func(tool string, success bool) {
				d.metrics.ToolInvocationsTotal.WithLabelValues(tool, statusLabel(success)).Inc()
			},
			OnClientsChanged: func(count int) {
				d.metrics.WebsocketClients.Set(float64(count))
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
		d.logger.Info().Msg("Gateway server initialized")
	}

	if d.config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		d.metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", d.config.Metrics.Host, d.config.Metrics.Port),
			Handler: mux,
		}
		d.logger.Info().
			Str("host", d.config.Metrics.Host).
			Int("port", d.config.Metrics.Port).
			Msg("Metrics endpoint initialized")
	}

	if d.config.Audit.Enabled {
		auditor, err := audit.NewAuditor(zl, d.registry, d.store, audit.Config{
			Schedule:        d.config.Audit.Schedule,
			DisableOnTamper: d.config.Audit.DisableOnTamper,
			OnTamper:        d.handleTamper,
			OnSweep:         d.handleSweep,
		})
		if err != nil {
			return fmt.Errorf("failed to create auditor: %w", err)
		}
		d.auditor = auditor
		d.logger.Info().Str("schedule", d.config.Audit.Schedule).Msg("Integrity auditor initialized")
	}

	return nil
}

// Start brings every component online and performs the initial load
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting benteng daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Initial plugin load
	result, loaded, err := d.pipeline.Run(d.ctx, plugin.DiscoveryRoots{
		Builtin:   d.config.Plugins.BuiltinDir,
		Workspace: d.config.Plugins.WorkspaceDir,
		Extra:     d.config.Plugins.ExtraDirs,
	})
	if err != nil {
		return fmt.Errorf("plugin load pipeline failed: %w", err)
	}
	d.recordLoadResult(result, loaded)

	// Bind standalone module descriptors
	bound := d.bindModules()

	d.logger.Info().
		Int("plugins", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Int("modules", len(bound)).
		Msg("Initial load complete")

	// Watch everything that made it in
	if d.config.HotReload.Enabled {
		if err := d.hotReload.Enable(); err != nil {
			return fmt.Errorf("failed to enable hot reload: %w", err)
		}
		for _, lp := range loaded {
			if err := d.hotReload.WatchPlugin(lp.Name, lp.Path); err != nil {
				d.logger.Warn().Err(err).Str("plugin", lp.Name).Msg("Failed to watch plugin")
			}
		}
		for name, path := range bound {
			if err := d.hotReload.WatchModule(name, path); err != nil {
				d.logger.Warn().Err(err).Str("module", name).Msg("Failed to watch module")
			}
		}
		d.logger.Info().Msg("Hot reload enabled")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		d.logger.Info().Msg("Gateway server started")
	}

	if d.metricsServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
		d.logger.Info().Msg("Metrics server started")
	}

	if d.auditor != nil {
		if err := d.auditor.Start(); err != nil {
			return fmt.Errorf("failed to start auditor: %w", err)
		}
		d.logger.Info().Msg("Integrity auditor started")
	}

	d.refreshGauges()
	d.triggerStartupHooks()

	d.logger.Info().Msg("Daemon started")
	return nil
}

// bindModules loads every descriptor under the configured module
// directories. A bad descriptor is logged and skipped; it must not keep the
// daemon from starting. Returns bound module names mapped to their paths.
func (d *Daemon) bindModules() map[string]string {
	bound := make(map[string]string)
	for _, dir := range d.config.Modules.Dirs {
		paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan module directory")
			continue
		}
		for _, path := range paths {
			rec, err := d.binder.Bind(d.ctx, path)
			if err != nil {
				d.logger.Error().Err(err).Str("path", path).Msg("Failed to bind module")
				continue
			}
			bound[rec.Name] = path
		}
	}
	return bound
}

// Stop shuts every component down in reverse start order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping benteng daemon")

	if d.auditor != nil {
		d.auditor.Stop()
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shut down metrics server")
		}
		cancel()
	}

	if err := d.hotReload.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop hot-reload manager")
	}

	d.triggerShutdownHooks()

	// Kills plugin processes and closes the store
	if err := d.registry.Cleanup(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to clean up registry")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Status reports whether the daemon is running and for how long
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Registry exposes the ledger for CLI status queries
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
