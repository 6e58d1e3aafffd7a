package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// toolNameRegex validates tool name format
var toolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxFetchBody caps how much a plugin can pull through FetchURL in one call.
const maxFetchBody = 10 << 20

// defaultExecTimeout bounds broker Exec calls that give no other limit.
const defaultExecTimeout = 30 * time.Second

// StagingRegistrar buffers a plugin's registrations during activation.
// The buffer is invisible to the rest of the host until the loader
// validates it and commits it as a unit; a failed activation leaves no
// trace in the registry.
type StagingRegistrar struct {
	mu     sync.Mutex
	plugin string
	buffer CaptureBuffer
}

// NewStagingRegistrar creates a staging registrar for one plugin load.
func NewStagingRegistrar(pluginName string) *StagingRegistrar {
	return &StagingRegistrar{plugin: pluginName}
}

// RegisterTool buffers a tool registration. Duplicate names within the
// same activation are a plugin bug and fail immediately.
func (r *StagingRegistrar) RegisterTool(tool ToolRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !toolNameRegex.MatchString(tool.Name) {
		return fmt.Errorf("plugin %s registered invalid tool name %q", r.plugin, tool.Name)
	}
	for _, existing := range r.buffer.Tools {
		if existing.Name == tool.Name {
			return fmt.Errorf("plugin %s registered tool %q twice", r.plugin, tool.Name)
		}
	}

	r.buffer.Tools = append(r.buffer.Tools, tool)
	return nil
}

// RegisterResource buffers a resource registration.
func (r *StagingRegistrar) RegisterResource(resource ResourceRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resource.Name == "" || resource.URI == "" {
		return fmt.Errorf("plugin %s registered resource with empty name or URI", r.plugin)
	}
	for _, existing := range r.buffer.Resources {
		if existing.Name == resource.Name {
			return fmt.Errorf("plugin %s registered resource %q twice", r.plugin, resource.Name)
		}
	}

	r.buffer.Resources = append(r.buffer.Resources, resource)
	return nil
}

// RegisterPrompt buffers a prompt registration.
func (r *StagingRegistrar) RegisterPrompt(prompt PromptRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prompt.Name == "" {
		return fmt.Errorf("plugin %s registered prompt with empty name", r.plugin)
	}
	for _, existing := range r.buffer.Prompts {
		if existing.Name == prompt.Name {
			return fmt.Errorf("plugin %s registered prompt %q twice", r.plugin, prompt.Name)
		}
	}

	r.buffer.Prompts = append(r.buffer.Prompts, prompt)
	return nil
}

// Validate checks the captured buffer before commit. An activation that
// registered nothing is treated as a failed load, and every tool's input
// schema must itself compile as a JSON schema.
func (r *StagingRegistrar) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buffer.Empty() {
		return fmt.Errorf("plugin %s: %w", r.plugin, ErrNoRegistrations)
	}

	for _, tool := range r.buffer.Tools {
		if tool.InputSchema == nil {
			continue
		}
		loader := gojsonschema.NewGoLoader(tool.InputSchema)
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return fmt.Errorf("plugin %s tool %q has invalid input schema: %w", r.plugin, tool.Name, err)
		}
	}

	return nil
}

// Snapshot returns a copy of the captured buffer.
func (r *StagingRegistrar) Snapshot() *CaptureBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := &CaptureBuffer{
		Tools:     make([]ToolRegistration, len(r.buffer.Tools)),
		Resources: make([]ResourceRegistration, len(r.buffer.Resources)),
		Prompts:   make([]PromptRegistration, len(r.buffer.Prompts)),
	}
	copy(buf.Tools, r.buffer.Tools)
	copy(buf.Resources, r.buffer.Resources)
	copy(buf.Prompts, r.buffer.Prompts)
	return buf
}

// CapabilityBroker is the host-side implementation of the capability
// surface plugins call back into. Every call re-checks the manifest's
// permissions; the static scanner catches honest mismatches, the broker
// catches everything else.
type CapabilityBroker struct {
	logger      zerolog.Logger
	plugin      string
	perms       Permissions
	rootDir     string
	httpClient  *http.Client
	execTimeout time.Duration
}

var _ Host = (*CapabilityBroker)(nil)

// NewCapabilityBroker creates a broker for one plugin. File operations are
// confined to rootDir, the plugin's own directory.
func NewCapabilityBroker(logger zerolog.Logger, pluginName string, perms Permissions, rootDir string) *CapabilityBroker {
	return &CapabilityBroker{
		logger:      logger.With().Str("component", "capability-broker").Str("plugin", pluginName).Logger(),
		plugin:      pluginName,
		perms:       perms,
		rootDir:     rootDir,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		execTimeout: defaultExecTimeout,
	}
}

// FetchURL performs an HTTP GET on the plugin's behalf.
func (b *CapabilityBroker) FetchURL(rawURL string) ([]byte, error) {
	if !b.perms.Network {
		b.logDenied(PermissionNetwork, "FetchURL "+rawURL)
		return nil, &PermissionDeniedError{Plugin: b.plugin, Permission: PermissionNetwork, Action: "FetchURL"}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	resp, err := b.httpClient.Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	return body, nil
}

// ReadFile reads a file inside the plugin's directory.
func (b *CapabilityBroker) ReadFile(path string) ([]byte, error) {
	if !b.perms.FSRead {
		b.logDenied(PermissionFSRead, "ReadFile "+path)
		return nil, &PermissionDeniedError{Plugin: b.plugin, Permission: PermissionFSRead, Action: "ReadFile"}
	}

	resolved, err := b.confine(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// WriteFile writes a file inside the plugin's directory.
func (b *CapabilityBroker) WriteFile(path string, data []byte) error {
	if !b.perms.FSWrite {
		b.logDenied(PermissionFSWrite, "WriteFile "+path)
		return &PermissionDeniedError{Plugin: b.plugin, Permission: PermissionFSWrite, Action: "WriteFile"}
	}

	resolved, err := b.confine(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(resolved, data, 0o644)
}

// Exec runs a command on the plugin's behalf with a bounded runtime and a
// minimal environment.
func (b *CapabilityBroker) Exec(command string, args []string) (string, error) {
	if !b.perms.Exec {
		b.logDenied(PermissionExec, "Exec "+command)
		return "", &PermissionDeniedError{Plugin: b.plugin, Permission: PermissionExec, Action: "Exec"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = b.rootDir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + b.rootDir}

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command %s timed out after %s", command, b.execTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("command %s failed: %w: %s", command, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// confine resolves a plugin-supplied path strictly inside the plugin root.
func (b *CapabilityBroker) confine(path string) (string, error) {
	if filepath.IsAbs(path) || !filepath.IsLocal(path) {
		return "", fmt.Errorf("path %q escapes the plugin directory", path)
	}
	return filepath.Join(b.rootDir, path), nil
}

func (b *CapabilityBroker) logDenied(perm PermissionFlag, action string) {
	b.logger.Warn().
		Str("permission", string(perm)).
		Str("action", action).
		Msg("Denied capability call")
}
