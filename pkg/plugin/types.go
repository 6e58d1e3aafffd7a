package plugin

import (
	"time"
)

// ManifestVersion is the single manifest schema revision this host accepts.
// Any other value is rejected before the rest of the manifest is looked at.
const ManifestVersion = "1.0"

// ManifestFileName is the declaration file every plugin bundle must carry
// at its root.
const ManifestFileName = "plugin.json"

// SignatureFileName is the detached signature co-located with the manifest.
// It holds a base64, newline-terminated ed25519 signature over the
// manifest's dist hash string.
const SignatureFileName = "plugin.json.sig"

// DistDirName is the subdirectory holding the plugin's compiled output.
// The entry point must live under it so the dist hash covers every byte
// that executes.
const DistDirName = "dist"

// PluginState represents the current state of a plugin
type PluginState string

const (
	StateVerifying PluginState = "verifying"
	StateLoading   PluginState = "loading"
	StateActive    PluginState = "active"
	StateDisabled  PluginState = "disabled"
	StateFailed    PluginState = "failed"
	StateUnloaded  PluginState = "unloaded"
)

// PermissionFlag names one capability a plugin may declare in its manifest.
type PermissionFlag string

const (
	PermissionNetwork PermissionFlag = "network"
	PermissionFSRead  PermissionFlag = "fsRead"
	PermissionFSWrite PermissionFlag = "fsWrite"
	PermissionExec    PermissionFlag = "exec"
)

// Permissions is the manifest's capability declaration. A flag left false
// means the plugin must not touch the corresponding primitive; the static
// scanner and the capability broker both enforce it.
type Permissions struct {
	Network bool `json:"network,omitempty"`
	FSRead  bool `json:"fsRead,omitempty"`
	FSWrite bool `json:"fsWrite,omitempty"`
	Exec    bool `json:"exec,omitempty"`
}

// Has reports whether the named flag is declared.
func (p Permissions) Has(flag PermissionFlag) bool {
	switch flag {
	case PermissionNetwork:
		return p.Network
	case PermissionFSRead:
		return p.FSRead
	case PermissionFSWrite:
		return p.FSWrite
	case PermissionExec:
		return p.Exec
	default:
		return false
	}
}

// List returns the declared flags in a stable order.
func (p Permissions) List() []PermissionFlag {
	var flags []PermissionFlag
	for _, f := range []PermissionFlag{PermissionNetwork, PermissionFSRead, PermissionFSWrite, PermissionExec} {
		if p.Has(f) {
			flags = append(flags, f)
		}
	}
	return flags
}

// DependenciesPolicy gates whether a plugin may declare runtime dependencies
// that live outside its dist directory.
type DependenciesPolicy string

const (
	PolicySelfContained   DependenciesPolicy = "self-contained"
	PolicyExternalAllowed DependenciesPolicy = "external-allowed"
)

// DistInfo describes the plugin's compiled output.
type DistInfo struct {
	// Hash is the algorithm-tagged content hash, e.g. "sha256:<64 hex>".
	Hash string `json:"hash"`
}

// Manifest represents the plugin.json file structure.
type Manifest struct {
	ManifestVersion string   `json:"manifestVersion"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Description     string   `json:"description,omitempty"`
	Author          string   `json:"author,omitempty"`
	Entry           string   `json:"entry"`
	Dist            DistInfo `json:"dist"`

	// Dependencies lists other plugin names this plugin needs loaded first.
	// An entry may carry an optional semver constraint after '@',
	// e.g. "snmp-core@^1.2.0".
	Dependencies []string `json:"dependencies,omitempty"`

	// ExternalDependencies lists runtime dependencies resolved outside the
	// dist directory. Only honored when DependenciesPolicy is
	// external-allowed and host policy permits it.
	ExternalDependencies []string           `json:"externalDependencies,omitempty"`
	DependenciesPolicy   DependenciesPolicy `json:"dependenciesPolicy,omitempty"`

	Permissions Permissions `json:"permissions,omitempty"`
}

// DiscoveredPlugin represents a plugin bundle found during discovery.
type DiscoveredPlugin struct {
	Name          string
	Path          string // bundle root
	DistDir       string // <root>/dist
	ManifestPath  string // <root>/plugin.json
	SignaturePath string // <root>/plugin.json.sig
	Source        PluginSource
}

// PluginSource indicates where a plugin was discovered.
type PluginSource string

const (
	SourceBuiltin   PluginSource = "builtin"
	SourceWorkspace PluginSource = "workspace"
	SourceExtra     PluginSource = "extra"
)

// SignatureRecord is the outcome of signature verification: which trusted
// key vouched for the dist hash.
type SignatureRecord struct {
	KeyID      string
	VerifiedAt time.Time
}

// ToolRegistration is one tool a plugin attempted to register during
// initialization. InputSchema is a JSON Schema for the tool's arguments.
type ToolRegistration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceRegistration is one resource a plugin attempted to register.
type ResourceRegistration struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptRegistration is one prompt template a plugin attempted to register.
type PromptRegistration struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
}

// CaptureBuffer accumulates everything a plugin registered while its entry
// point initialized. Nothing in it is visible to the rest of the host until
// the pipeline commits it.
type CaptureBuffer struct {
	Tools     []ToolRegistration
	Resources []ResourceRegistration
	Prompts   []PromptRegistration
}

// Empty reports whether the plugin registered nothing at all.
func (b *CaptureBuffer) Empty() bool {
	return len(b.Tools) == 0 && len(b.Resources) == 0 && len(b.Prompts) == 0
}

// LoadedPlugin represents a plugin that passed every gate and committed.
type LoadedPlugin struct {
	Name         string
	Path         string
	Manifest     Manifest
	State        PluginState
	Source       PluginSource
	Signature    *SignatureRecord // nil when policy did not require signing
	Capture      *CaptureBuffer
	Client       PluginClient
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// LoadResult summarizes one pipeline run over a set of discovered plugins.
type LoadResult struct {
	RunID   string
	Loaded  []string
	Failed  []string
	Skipped []string // not attempted because a dependency failed
	Errors  map[string]error
}

// DependencyGraph represents plugin dependency edges by name.
type DependencyGraph struct {
	Nodes map[string]*Manifest
	Edges map[string][]string // plugin name -> dependency names
}
