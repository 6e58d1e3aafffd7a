package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// DiscoveryRoots names the directories scanned for plugins, in precedence
// order: builtin ships with the host, workspace is the operator's own, and
// extra roots come from configuration.
type DiscoveryRoots struct {
	Builtin   string
	Workspace string
	Extra     []string
}

// Discoverer scans plugin roots for directories that carry a manifest.
type Discoverer struct {
	logger zerolog.Logger
}

// NewDiscoverer creates a new plugin discoverer
func NewDiscoverer(logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		logger: logger.With().Str("component", "plugin-discoverer").Logger(),
	}
}

// Discover walks every configured root and returns each plugin directory
// holding a plugin.json. When the same plugin name appears in more than one
// root, the earlier root wins and the shadowed copy is logged and dropped.
// Roots that do not exist are skipped; discovery runs before any operator
// has necessarily created a workspace.
func (d *Discoverer) Discover(roots DiscoveryRoots) ([]DiscoveredPlugin, error) {
	type rootEntry struct {
		dir    string
		source PluginSource
	}

	scan := []rootEntry{
		{roots.Builtin, SourceBuiltin},
		{roots.Workspace, SourceWorkspace},
	}
	for _, extra := range roots.Extra {
		scan = append(scan, rootEntry{extra, SourceExtra})
	}

	seen := make(map[string]PluginSource)
	var discovered []DiscoveredPlugin

	for _, root := range scan {
		if root.dir == "" {
			continue
		}
		found, err := d.scanRoot(root.dir, root.source)
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			if prior, dup := seen[p.Name]; dup {
				d.logger.Warn().
					Str("plugin", p.Name).
					Str("shadowed_source", string(p.Source)).
					Str("winning_source", string(prior)).
					Msg("Duplicate plugin name, keeping earlier root")
				continue
			}
			seen[p.Name] = p.Source
			discovered = append(discovered, p)
		}
	}

	sort.Slice(discovered, func(i, j int) bool { return discovered[i].Name < discovered[j].Name })

	d.logger.Info().
		Int("count", len(discovered)).
		Msg("Discovered plugins")

	return discovered, nil
}

func (d *Discoverer) scanRoot(dir string, source PluginSource) ([]DiscoveredPlugin, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		d.logger.Debug().Str("dir", dir).Msg("Plugin root does not exist, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin root %s: %w", dir, err)
	}

	var found []DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			d.logger.Debug().
				Str("dir", pluginDir).
				Msg("Directory has no manifest, skipping")
			continue
		}

		found = append(found, DiscoveredPlugin{
			Name:          entry.Name(),
			Path:          pluginDir,
			DistDir:       filepath.Join(pluginDir, DistDirName),
			ManifestPath:  manifestPath,
			SignaturePath: filepath.Join(pluginDir, SignatureFileName),
			Source:        source,
		})
	}

	return found, nil
}
