package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// pluginNameRegex validates plugin name format (lowercase alphanumeric with hyphens)
var pluginNameRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// ManifestLoader loads and validates plugin manifests. It is the first gate
// of the load pipeline and must run before any file in the plugin's dist
// directory is read for execution purposes.
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	schemaLoader := gojsonschema.NewStringLoader(ManifestSchema)
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: schemaLoader,
	}
}

// LoadManifest loads and validates a plugin manifest from a file.
func (m *ManifestLoader) LoadManifest(manifestPath string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return m.Parse(data)
}

// Parse validates raw manifest bytes and returns the typed manifest.
// The manifestVersion literal is checked before anything else; schema
// validation and the post-schema checks only run for the supported revision.
func (m *ManifestLoader) Parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if manifest.ManifestVersion != ManifestVersion {
		return nil, fmt.Errorf("%w: got %q, this host supports only %q",
			ErrManifestVersion, manifest.ManifestVersion, ManifestVersion)
	}

	if err := m.validateSchema(data); err != nil {
		return nil, err
	}

	if err := m.validateManifest(&manifest); err != nil {
		return nil, err
	}

	if manifest.DependenciesPolicy == "" {
		manifest.DependenciesPolicy = PolicySelfContained
	}

	m.logger.Debug().
		Str("plugin", manifest.Name).
		Str("version", manifest.Version).
		Str("entry", manifest.Entry).
		Msg("Loaded manifest")

	return &manifest, nil
}

// validateSchema validates the manifest against the JSON schema and collects
// every violation with its path for operator diagnosis.
func (m *ManifestLoader) validateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(m.schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		violations := make([]SchemaViolation, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			violations = append(violations, SchemaViolation{
				Path:    resultErr.Field(),
				Message: resultErr.Description(),
			})
		}
		return &ValidationError{Violations: violations}
	}

	return nil
}

// validateManifest performs checks the JSON schema cannot express.
func (m *ManifestLoader) validateManifest(manifest *Manifest) error {
	var violations []SchemaViolation

	if !pluginNameRegex.MatchString(manifest.Name) {
		violations = append(violations, SchemaViolation{
			Path:    "name",
			Message: fmt.Sprintf("invalid plugin name %q (must be lowercase alphanumeric with hyphens)", manifest.Name),
		})
	}

	if _, err := semver.StrictNewVersion(manifest.Version); err != nil {
		violations = append(violations, SchemaViolation{
			Path:    "version",
			Message: fmt.Sprintf("invalid semver %q: %v", manifest.Version, err),
		})
	}

	if err := validateEntryPath(manifest.Entry); err != nil {
		violations = append(violations, SchemaViolation{
			Path:    "entry",
			Message: err.Error(),
		})
	}

	for i, dep := range manifest.Dependencies {
		name, constraint := SplitDependency(dep)
		if !pluginNameRegex.MatchString(name) {
			violations = append(violations, SchemaViolation{
				Path:    fmt.Sprintf("dependencies.%d", i),
				Message: fmt.Sprintf("invalid dependency name %q", name),
			})
			continue
		}
		if constraint != "" {
			if _, err := semver.NewConstraint(constraint); err != nil {
				violations = append(violations, SchemaViolation{
					Path:    fmt.Sprintf("dependencies.%d", i),
					Message: fmt.Sprintf("invalid version constraint %q: %v", constraint, err),
				})
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}

	// Policy coherence is not a schema concern: a manifest that declares
	// external dependencies while claiming to be self-contained is rejected
	// as a policy violation, not a shape violation.
	policy := manifest.DependenciesPolicy
	if policy == "" {
		policy = PolicySelfContained
	}
	if policy == PolicySelfContained && len(manifest.ExternalDependencies) > 0 {
		return &PolicyError{
			Plugin: manifest.Name,
			Reason: fmt.Sprintf("declares %d external dependencies under a self-contained policy", len(manifest.ExternalDependencies)),
		}
	}

	return nil
}

// validateEntryPath ensures the entry point resolves inside the dist
// directory, so the dist hash covers every byte that will execute.
func validateEntryPath(entry string) error {
	if entry == "" {
		return fmt.Errorf("entry point cannot be empty")
	}
	if path.IsAbs(entry) || strings.HasPrefix(entry, "/") {
		return fmt.Errorf("entry point must be a relative path, got %q", entry)
	}
	clean := path.Clean(entry)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("entry point must not escape the bundle root, got %q", entry)
	}
	if clean != DistDirName && !strings.HasPrefix(clean, DistDirName+"/") {
		return fmt.Errorf("entry point must live under %s/, got %q", DistDirName, entry)
	}
	return nil
}

// SplitDependency splits a dependency entry into its plugin name and
// optional semver constraint ("snmp-core@^1.2.0" -> "snmp-core", "^1.2.0").
func SplitDependency(dep string) (name, constraint string) {
	if i := strings.IndexByte(dep, '@'); i >= 0 {
		return dep[:i], dep[i+1:]
	}
	return dep, ""
}

// ParseManifest parses a manifest from JSON bytes without validation.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	return &manifest, nil
}
