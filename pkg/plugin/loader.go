package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

// defaultActivationTimeout bounds how long a plugin may spend in Activate
// before the host kills it.
const defaultActivationTimeout = 10 * time.Second

// SandboxedLoader runs verified plugins in their own process and drives the
// capture-before-commit activation protocol.
type SandboxedLoader struct {
	logger            zerolog.Logger
	activationTimeout time.Duration
}

// NewSandboxedLoader creates a sandboxed loader. A zero activationTimeout
// selects the default.
func NewSandboxedLoader(logger zerolog.Logger, activationTimeout time.Duration) *SandboxedLoader {
	if activationTimeout <= 0 {
		activationTimeout = defaultActivationTimeout
	}
	return &SandboxedLoader{
		logger:            logger.With().Str("component", "sandboxed-loader").Logger(),
		activationTimeout: activationTimeout,
	}
}

// Load starts the plugin process, activates it against a staging registrar,
// and validates the capture. The returned plugin is active with its capture
// buffer attached; committing the capture to the registry is the caller's
// job. On any failure the process is killed and nothing escapes the buffer.
func (l *SandboxedLoader) Load(ctx context.Context, discovered DiscoveredPlugin, manifest *Manifest) (*LoadedPlugin, error) {
	started := time.Now()

	entryPath := filepath.Join(discovered.Path, filepath.FromSlash(manifest.Entry))
	if _, err := os.Stat(entryPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, manifest.Entry)
	}

	cmd := commandFor(entryPath)
	cmd.Dir = discovered.Path
	// Plugins get a minimal environment; the handshake cookie is appended
	// by the client on start.
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	pluginLogger := l.logger.With().Str("plugin", manifest.Name).Logger()
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		StartTimeout:     l.activationTimeout,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:        "plugin." + manifest.Name,
			Output:      pluginLogger,
			Level:       hclog.Warn,
			DisableTime: true,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start plugin process: %w", err)
	}

	raw, err := rpcClient.Dispense(PluginMapKey)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin service: %w", err)
	}
	svc, ok := raw.(*pluginRPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin service has unexpected type %T", raw)
	}

	registrar := NewStagingRegistrar(manifest.Name)
	broker := NewCapabilityBroker(l.logger, manifest.Name, manifest.Permissions, discovered.Path)

	if err := l.activate(ctx, svc, registrar, broker); err != nil {
		client.Kill()
		return nil, fmt.Errorf("activation failed: %w", err)
	}

	if err := registrar.Validate(); err != nil {
		client.Kill()
		return nil, err
	}

	loaded := &LoadedPlugin{
		Name:         manifest.Name,
		Path:         discovered.Path,
		Manifest:     *manifest,
		State:        StateActive,
		Source:       discovered.Source,
		Capture:      registrar.Snapshot(),
		Client:       &processClient{rpc: svc, client: client},
		LoadedAt:     started.UTC(),
		LoadDuration: time.Since(started),
	}

	l.logger.Info().
		Str("plugin", manifest.Name).
		Str("version", manifest.Version).
		Int("tools", len(loaded.Capture.Tools)).
		Dur("duration", loaded.LoadDuration).
		Msg("Plugin activated")

	return loaded, nil
}

// activate runs the guest's Activate with a deadline. go-plugin's net/rpc
// calls cannot be cancelled midflight, so on timeout the caller kills the
// process and the stray goroutine unblocks with a connection error.
func (l *SandboxedLoader) activate(ctx context.Context, svc *pluginRPCClient, registrar Registrar, host Host) error {
	ctx, cancel := context.WithTimeout(ctx, l.activationTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Activate(registrar, host)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("plugin did not activate within %s: %w", l.activationTimeout, ctx.Err())
	}
}

// commandFor builds the subprocess command for an entry point. Script
// entries run under their interpreter; anything else executes directly.
func commandFor(entryPath string) *exec.Cmd {
	switch filepath.Ext(entryPath) {
	case ".js", ".mjs", ".cjs":
		return exec.Command("node", entryPath)
	case ".py":
		return exec.Command("python3", entryPath)
	case ".sh":
		return exec.Command("sh", entryPath)
	default:
		return exec.Command(entryPath)
	}
}

// processClient couples the RPC handle with the process lifecycle so the
// registry can kill a plugin without knowing about go-plugin.
type processClient struct {
	rpc    *pluginRPCClient
	client *goplugin.Client
}

var _ PluginClient = (*processClient)(nil)

func (p *processClient) Invoke(tool string, args map[string]any) (map[string]any, error) {
	return p.rpc.Invoke(tool, args)
}

func (p *processClient) Deactivate() error {
	return p.rpc.Deactivate()
}

func (p *processClient) Kill() {
	p.client.Kill()
}
