package module

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Loader turns a module file path into a validated descriptor. The
// hot-reload manager re-drives loading through this interface so a reload
// exercises exactly the same validation as the initial load.
type Loader interface {
	Load(path string) (*Descriptor, error)
}

// DescriptorLoader is the standard Loader: read the file, schema-validate
// it, and check every tool's input schema actually compiles.
type DescriptorLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewDescriptorLoader creates a descriptor loader.
func NewDescriptorLoader(logger zerolog.Logger) *DescriptorLoader {
	return &DescriptorLoader{
		logger:       logger.With().Str("component", "module-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(DescriptorSchema),
	}
}

var _ Loader = (*DescriptorLoader)(nil)

// Load reads and validates the descriptor at path.
func (l *DescriptorLoader) Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module descriptor: %w", err)
	}

	desc, err := l.Parse(path, data)
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("module", desc.Name).
		Str("category", desc.Category).
		Int("tools", len(desc.Tools)).
		Msg("Loaded module descriptor")

	return desc, nil
}

// Parse validates raw descriptor bytes. The path is only used for error
// reporting.
func (l *DescriptorLoader) Parse(path string, data []byte) (*Descriptor, error) {
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, &InvalidDescriptorError{
			Path:       path,
			Violations: []string{fmt.Sprintf("not valid JSON: %v", err)},
		}
	}

	result, err := gojsonschema.Validate(l.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to run descriptor schema validation: %w", err)
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			violations = append(violations, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
		}
		return nil, &InvalidDescriptorError{Path: path, Violations: violations}
	}

	if err := validateTools(path, &desc); err != nil {
		return nil, err
	}

	return &desc, nil
}

// validateTools rejects duplicate tool names and input schemas that do not
// compile. A descriptor that passes here can be committed to the registry
// without any further shape checks.
func validateTools(path string, desc *Descriptor) error {
	var violations []string
	seen := make(map[string]bool, len(desc.Tools))
	for _, tool := range desc.Tools {
		if seen[tool.Name] {
			violations = append(violations, fmt.Sprintf("tools: duplicate tool name %q", tool.Name))
			continue
		}
		seen[tool.Name] = true

		if tool.InputSchema == nil {
			continue
		}
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema)); err != nil {
			violations = append(violations, fmt.Sprintf("tools: tool %q input schema does not compile: %v", tool.Name, err))
		}
	}
	if len(violations) > 0 {
		return &InvalidDescriptorError{Path: path, Violations: violations}
	}
	return nil
}
